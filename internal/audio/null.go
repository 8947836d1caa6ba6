package audio

// nullSubsystem has no devices. It is what a binary built without cgo runs
// with, so every recording degrades to NoDevice.
type nullSubsystem struct{}

func newNullSubsystem() (Subsystem, error) {
	return nullSubsystem{}, nil
}

func (nullSubsystem) Name() string { return string(BackendTypeNull) }

func (nullSubsystem) Devices() ([]Device, error) { return nil, nil }

func (nullSubsystem) Defaults() (Defaults, error) {
	return Defaults{Output: -1, HostInput: -1, SystemInput: -1}, nil
}

func (nullSubsystem) OpenCapture(dev Device, _ StreamParams) (CaptureStream, error) {
	return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name, Err: ErrDeviceNotFound}
}

func (nullSubsystem) Close() error { return nil }
