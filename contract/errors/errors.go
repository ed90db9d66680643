package errors

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeDuplicateRegistration      = "servicebus.duplicate_registration"
	ErrCodeEventNameConflict          = "servicebus.event_name_conflict"
	ErrCodeNoHandlerRegistered        = "servicebus.no_handler_registered"
	ErrCodeMultipleHandlersRegistered = "servicebus.multiple_handlers_registered"
	ErrCodeHandlerTypeMismatch        = "servicebus.handler_type_mismatch"
	ErrCodeHandlerFailed              = "servicebus.handler_failed"
	ErrCodePublishFailed              = "servicebus.publish_failed"
	ErrCodeSerializationFailed        = "servicebus.serialization_failed"
	ErrCodeDecodeFailed               = "servicebus.decode_failed"
	ErrCodeSubscribeFailed            = "servicebus.subscribe_failed"
	ErrCodeConnectionLost             = "servicebus.connection_lost"
	ErrCodeConnectionFaulted          = "servicebus.connection_faulted"
	ErrCodeBusClosed                  = "servicebus.bus_closed"
	ErrCodeShutdownAbandoned          = "servicebus.shutdown_abandoned"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrDuplicateRegistration      = Code(ErrCodeDuplicateRegistration)
	ErrEventNameConflict          = Code(ErrCodeEventNameConflict)
	ErrNoHandlerRegistered        = Code(ErrCodeNoHandlerRegistered)
	ErrMultipleHandlersRegistered = Code(ErrCodeMultipleHandlersRegistered)
	ErrHandlerTypeMismatch        = Code(ErrCodeHandlerTypeMismatch)
	ErrHandlerFailed              = Code(ErrCodeHandlerFailed)
	ErrPublishFailed              = Code(ErrCodePublishFailed)
	ErrSerializationFailed        = Code(ErrCodeSerializationFailed)
	ErrDecodeFailed               = Code(ErrCodeDecodeFailed)
	ErrSubscribeFailed            = Code(ErrCodeSubscribeFailed)
	ErrConnectionLost             = Code(ErrCodeConnectionLost)
	ErrConnectionFaulted          = Code(ErrCodeConnectionFaulted)
	ErrBusClosed                  = Code(ErrCodeBusClosed)
	ErrShutdownAbandoned          = Code(ErrCodeShutdownAbandoned)
)
