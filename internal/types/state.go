package types

// ConnectionState is the lifecycle state of one stream connection
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
	Subscribing
	Subscribed
	Reconnecting
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Live reports whether the state holds, or is acquiring, a transport
func (s ConnectionState) Live() bool {
	switch s {
	case Connecting, Open, Subscribing, Subscribed, Reconnecting:
		return true
	}
	return false
}
