package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation    string
	MemberID     MemberID
	CategoryCode CategoryCode
	Token        ReservationToken
	Amount       AmountCents
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTokenGenerator overrides the reservation token source (tests).
func WithTokenGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.tokenFn = generate
	}
}
