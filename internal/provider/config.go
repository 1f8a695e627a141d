package provider

import "time"

// DriverConfig holds credentials and endpoints for one driver. Values are
// passed in at construction; per-call overrides go through Merge.
type DriverConfig struct {
	AccountSID           string        `json:"accountSid,omitempty"`
	AuthToken            string        `json:"authToken,omitempty"`
	APIKey               string        `json:"apiKey,omitempty"`
	FromNumber           string        `json:"fromNumber,omitempty"`
	MessagingServiceSID  string        `json:"messagingServiceSid,omitempty"`
	MessagingProfileID   string        `json:"messagingProfileId,omitempty"`
	StatusCallbackURL    string        `json:"statusCallbackUrl,omitempty"`
	WebhookURL           string        `json:"webhookUrl,omitempty"`
	PublicKey            string        `json:"publicKey,omitempty"`
	BaseURL              string        `json:"baseUrl,omitempty"`
	ConversationsBaseURL string        `json:"conversationsBaseUrl,omitempty"`
	ConversationPrefix   string        `json:"conversationPrefix,omitempty"`
	UseConversations     *bool         `json:"useConversations,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`
}

// Merge returns a derived config with every non-zero field of override
// written over c. Neither input is modified.
func (c DriverConfig) Merge(override DriverConfig) DriverConfig {
	out := c
	mergeString(&out.AccountSID, override.AccountSID)
	mergeString(&out.AuthToken, override.AuthToken)
	mergeString(&out.APIKey, override.APIKey)
	mergeString(&out.FromNumber, override.FromNumber)
	mergeString(&out.MessagingServiceSID, override.MessagingServiceSID)
	mergeString(&out.MessagingProfileID, override.MessagingProfileID)
	mergeString(&out.StatusCallbackURL, override.StatusCallbackURL)
	mergeString(&out.WebhookURL, override.WebhookURL)
	mergeString(&out.PublicKey, override.PublicKey)
	mergeString(&out.BaseURL, override.BaseURL)
	mergeString(&out.ConversationsBaseURL, override.ConversationsBaseURL)
	mergeString(&out.ConversationPrefix, override.ConversationPrefix)
	if override.UseConversations != nil {
		value := *override.UseConversations
		out.UseConversations = &value
	} else if c.UseConversations != nil {
		value := *c.UseConversations
		out.UseConversations = &value
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	return out
}

func (c DriverConfig) IsZero() bool {
	return c == DriverConfig{}
}

func (c DriverConfig) ConversationsEnabled() bool {
	return c.UseConversations != nil && *c.UseConversations
}

func mergeString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// Bool is a helper for building DriverConfig literals.
func Bool(v bool) *bool { return &v }
