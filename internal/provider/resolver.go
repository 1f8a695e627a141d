package provider

import (
	"sync"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// AuxiliaryArgs returns the extra FetchStatus arguments a driver needs
// beyond the provider message id.
type AuxiliaryArgs func(msg *domain.Message) []string

// PollingParameterResolver builds the ordered FetchStatus argument list for a
// message. The first element is always the provider message id.
type PollingParameterResolver struct {
	mu        sync.RWMutex
	auxiliary map[string]AuxiliaryArgs
}

func NewPollingParameterResolver() *PollingParameterResolver {
	r := &PollingParameterResolver{auxiliary: make(map[string]AuxiliaryArgs)}
	r.Register(domain.DriverTwilio, twilioConversationArgs)
	return r
}

// Register sets the auxiliary argument builder for driver, replacing any
// previous one.
func (r *PollingParameterResolver) Register(driver string, fn AuxiliaryArgs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auxiliary[domain.NormalizeDriver(driver)] = fn
}

// ArgsFor returns nil when the message has no provider id.
func (r *PollingParameterResolver) ArgsFor(driver string, msg *domain.Message) []string {
	if !msg.HasProviderMessageID() {
		return nil
	}

	args := []string{msg.ProviderID()}

	r.mu.RLock()
	fn, ok := r.auxiliary[domain.NormalizeDriver(driver)]
	r.mu.RUnlock()
	if ok && fn != nil {
		args = append(args, fn(msg)...)
	}
	return args
}

func twilioConversationArgs(msg *domain.Message) []string {
	if sid := msg.Metadata.String(domain.MetaConversationSID); sid != "" {
		return []string{sid}
	}
	return nil
}
