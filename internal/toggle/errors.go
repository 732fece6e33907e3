package toggle

import "fmt"

// Kind classifies a failed run. Every kind is fatal.
type Kind int

const (
	KindRadioUnavailable Kind = iota + 1
	KindRadioError
	KindProxyUnavailable
	KindOperationUnavailable
	KindDeviceNotPaired
	KindConnectRefused
	KindDisconnectRefused
	KindTimeout
)

// ExitConfig is the exit code for configuration and usage errors.
const ExitConfig = 1

func (k Kind) String() string {
	switch k {
	case KindRadioUnavailable:
		return "radio-refused"
	case KindRadioError:
		return "radio-error"
	case KindProxyUnavailable:
		return "proxy-unavailable"
	case KindOperationUnavailable:
		return "operation-unavailable"
	case KindDeviceNotPaired:
		return "device-not-paired"
	case KindConnectRefused:
		return "connect-refused"
	case KindDisconnectRefused:
		return "disconnect-refused"
	case KindTimeout:
		return "timed-out"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) ExitCode() int {
	switch k {
	case KindRadioUnavailable:
		return 2
	case KindRadioError:
		return 3
	case KindProxyUnavailable:
		return 4
	case KindOperationUnavailable:
		return 5
	case KindDeviceNotPaired:
		return 6
	case KindConnectRefused:
		return 7
	case KindDisconnectRefused:
		return 8
	case KindTimeout:
		return 9
	}
	return ExitConfig
}

// message is what the user sees for a failure of this kind.
func (k Kind) message() string {
	switch k {
	case KindRadioUnavailable:
		return "Unable to enable Bluetooth. Is airplane mode enabled?"
	case KindRadioError:
		return "There was an error enabling the Bluetooth adapter."
	case KindProxyUnavailable:
		return "The A2DP profile is not available."
	case KindOperationUnavailable:
		return "Operation unavailable on this platform."
	case KindDeviceNotPaired:
		return "Device not paired."
	case KindConnectRefused:
		return "Connect refused."
	case KindDisconnectRefused:
		return "Disconnect refused."
	case KindTimeout:
		return "Timed out."
	}
	return "Bluetooth toggle failed."
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
