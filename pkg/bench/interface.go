package bench

// Device defines the interface for the bench MCU (real or mocked). It exposes
// the ADC channels wired to the chamber pressure transducers and the inlet
// and outlet solenoid valves of each chamber.
type Device interface {
	Connect() error
	Close() error
	// Reinit tears down and re-arms the underlying handle after a
	// connectivity loss. It must be idempotent.
	Reinit() error
	ReadADC(channel int) (int32, error)
	SetValves(chamber int, inlet, outlet bool) error
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)
