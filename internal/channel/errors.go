package channel

import "fmt"

// ConfigurationError means the channel cannot be used as configured:
// missing or rejected credentials, unknown destination, or Notify before
// Prepare.
type ConfigurationError struct {
	Channel string
	Field   string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("%s channel: %s: %s", e.Channel, e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DeliveryError means the remote received the request and rejected it.
// Code is the remote's error code; Hint is an operator-readable
// explanation when one is known.
type DeliveryError struct {
	Channel string
	Code    string
	Hint    string
}

func (e *DeliveryError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s channel rejected message: %s (%s)", e.Channel, e.Code, e.Hint)
	}
	return fmt.Sprintf("%s channel rejected message: %s", e.Channel, e.Code)
}

// TransportError means the remote could not be reached or its reply could
// not be read.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s channel transport: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
