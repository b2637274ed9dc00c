package telemetry

// Kind is the JSON type a field must carry on the wire.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindNumber
)

// Field describes one record field: its wire code, the column it is stored
// under and its type.
type Field struct {
	Code     string
	Column   string
	Kind     Kind
	Optional bool
}

// Fields lists every record field in storage order. Values and ScanTargets
// follow the same order.
var Fields = []Field{
	{Code: "t", Column: "device_id"},
	{Code: "VD", Column: "vd"},
	{Code: "FV", Column: "fv"},
	{Code: "AD", Column: "activation_mode", Kind: KindInteger},
	{Code: "PS", Column: "ps"},
	{Code: "v", Column: "v"},
	{Code: "DM", Column: "dm"},
	{Code: "T", Column: "ts"},
	{Code: "l", Column: "latitude"},
	{Code: "g", Column: "longitude"},
	{Code: "s", Column: "s"},
	{Code: "ALT", Column: "alt"},
	{Code: "SN", Column: "sn"},
	{Code: "HD", Column: "hd"},
	{Code: "FL_MOD", Column: "fl_mod"},
	{Code: "MC", Column: "mc"},
	{Code: "MN", Column: "mn"},
	{Code: "MV", Column: "mv", Optional: true},
	{Code: "IV", Column: "iv"},
	{Code: "ROLL", Column: "roll"},
	{Code: "YAW", Column: "yaw"},
	{Code: "PITCH", Column: "pitch"},
	{Code: "WTR_QTY", Column: "wtr_qty"},
	{Code: "CONLQD", Column: "conlqd"},
	{Code: "FLW_RT", Column: "flw_rt"},
	{Code: "GPSCNT", Column: "gpscnt"},
	{Code: "TNKLVL", Column: "tnklvl"},
	{Code: "PLAN_AREA", Column: "plan_area"},
	{Code: "COV_AREA", Column: "covered_area"},
	{Code: "BOUNDARY", Column: "boundary"},
	{Code: "SS", Column: "ss"},
	{Code: "p", Column: "packet_seq", Kind: KindNumber},
	{Code: "FN", Column: "fn"},
}

// Columns returns the storage column names in Fields order.
func Columns() []string {
	cols := make([]string, len(Fields))
	for i, f := range Fields {
		cols[i] = f.Column
	}
	return cols
}

// Values returns the record's values in Fields order, ready for a SQL insert.
func (r *Record) Values() []any {
	return []any{
		r.DeviceID, r.VD, r.FirmwareVersion, int32(r.ActivationMode), r.PS,
		r.Voltage, r.DM, r.Timestamp, r.Latitude, r.Longitude,
		r.Speed, r.Altitude, r.SN, r.Heading, r.FlightMode,
		r.MC, r.MN, r.ModelVersion, r.IV, r.Roll,
		r.Yaw, r.Pitch, r.WaterQty, r.ConsumedLiquid, r.FlowRate,
		r.GPSCount, r.TankLevel, r.PlannedArea, r.CoveredArea, r.Boundary,
		r.SignalStrength, r.PacketSeq, r.FN,
	}
}

// ScanTargets returns pointers to the record's fields in Fields order.
func (r *Record) ScanTargets() []any {
	return []any{
		&r.DeviceID, &r.VD, &r.FirmwareVersion, (*int32)(&r.ActivationMode), &r.PS,
		&r.Voltage, &r.DM, &r.Timestamp, &r.Latitude, &r.Longitude,
		&r.Speed, &r.Altitude, &r.SN, &r.Heading, &r.FlightMode,
		&r.MC, &r.MN, &r.ModelVersion, &r.IV, &r.Roll,
		&r.Yaw, &r.Pitch, &r.WaterQty, &r.ConsumedLiquid, &r.FlowRate,
		&r.GPSCount, &r.TankLevel, &r.PlannedArea, &r.CoveredArea, &r.Boundary,
		&r.SignalStrength, &r.PacketSeq, &r.FN,
	}
}
