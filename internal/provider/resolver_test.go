package provider

import (
	"reflect"
	"testing"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestPollingParameterResolverArgsFor(t *testing.T) {
	t.Parallel()

	r := NewPollingParameterResolver()
	r.Register("custom", func(msg *domain.Message) []string {
		return []string{"region-" + msg.Metadata.String("region")}
	})

	tests := []struct {
		name   string
		driver string
		msg    *domain.Message
		want   []string
	}{
		{
			name:   "no provider id",
			driver: "twilio",
			msg:    &domain.Message{Metadata: domain.Metadata{domain.MetaConversationSID: "CH1"}},
			want:   nil,
		},
		{
			name:   "blank provider id",
			driver: "telnyx",
			msg:    &domain.Message{ProviderMessageID: strPtr("  ")},
			want:   nil,
		},
		{
			name:   "twilio with conversation",
			driver: "twilio",
			msg: &domain.Message{
				ProviderMessageID: strPtr("SM1"),
				Metadata:          domain.Metadata{domain.MetaConversationSID: "CH1"},
			},
			want: []string{"SM1", "CH1"},
		},
		{
			name:   "twilio without conversation",
			driver: "twilio",
			msg:    &domain.Message{ProviderMessageID: strPtr("SM1")},
			want:   []string{"SM1"},
		},
		{
			name:   "telnyx ignores conversation",
			driver: "telnyx",
			msg: &domain.Message{
				ProviderMessageID: strPtr("tx-1"),
				Metadata:          domain.Metadata{domain.MetaConversationSID: "CH1"},
			},
			want: []string{"tx-1"},
		},
		{
			name:   "registered driver",
			driver: "Custom",
			msg: &domain.Message{
				ProviderMessageID: strPtr("c-1"),
				Metadata:          domain.Metadata{"region": "eu"},
			},
			want: []string{"c-1", "region-eu"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := r.ArgsFor(tt.driver, tt.msg)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ArgsFor() = %v, want %v", got, tt.want)
			}
		})
	}
}
