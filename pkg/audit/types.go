package audit

import "time"

// EventType names what happened. Types group by prefix: sso.* for the login
// flow, token.* for the login-token lifecycle, config.* for provider
// configuration changes, access.* for perimeter rejections.
type EventType string

const (
	// SSO login flow events
	EventLoginInitiated       EventType = "sso.login_initiated"
	EventLoginSucceeded       EventType = "sso.login_succeeded"
	EventLoginFailed          EventType = "sso.login_failed"
	EventAccountProvisioned   EventType = "sso.account_provisioned"
	EventBindingCreated       EventType = "sso.binding_created"
	EventBindingGrandfathered EventType = "sso.binding_grandfathered"

	// Login token events
	EventTokenIssued    EventType = "token.issued"
	EventTokenExchanged EventType = "token.exchanged"
	EventTokenRejected  EventType = "token.rejected"

	// Provider configuration events
	EventProviderRegistered EventType = "config.provider_registered"
	EventProviderRemoved    EventType = "config.provider_removed"
	EventProviderReloaded   EventType = "config.provider_reloaded"

	// Access events
	EventRateLimited EventType = "access.rate_limited"
)

// EventStatus is the outcome recorded on an event. StatusDenied belongs to
// rate limiting alone; the stats query counts denied rows as rate limited,
// so failed logins and rejected tokens record StatusFailure.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusDenied  EventStatus = "denied"
)

// Event is one audit record: what happened, to whom, from where. The JSON
// field names are the wire format for the query API, exports, and the file
// sink alike.
type Event struct {
	// Core fields
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Identity resolution context
	Provider     string `json:"provider,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SSORequestID string `json:"sso_request_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	// Additional details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter narrows a store query. Zero values put no constraint on
// their field; the string filters match exactly.
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Identity filters
	Provider   string
	UserID     string
	ExternalID string

	// Event filters
	EventTypes []EventType
	Status     *EventStatus

	// Request context filters
	IPAddress string
	Path      string

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string // field name to sort by
	SortOrder string // "asc" or "desc"
}

// ExportFormat selects the serialization for exported events.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// Stats summarizes the trail over a time window for the operator surface.
type Stats struct {
	TotalEvents      int64                 `json:"total_events"`
	EventsByType     map[EventType]int64   `json:"events_by_type"`
	EventsByStatus   map[EventStatus]int64 `json:"events_by_status"`
	EventsByProvider map[string]int64      `json:"events_by_provider"`
	UniqueUsers      int64                 `json:"unique_users"`
	UniqueIPs        int64                 `json:"unique_ips"`
	FailedLogins     int64                 `json:"failed_logins"`
	RateLimited      int64                 `json:"rate_limited"`
	TimeRange        *TimeRange            `json:"time_range,omitempty"`
}

// TimeRange bounds the window a Stats answer covers.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RetentionPolicy says how long events stay queryable and whether expired
// ones are archived before deletion. ArchivePrefix is the object key prefix
// the archiver writes batches under.
type RetentionPolicy struct {
	RetentionDays  int
	ArchiveEnabled bool
	ArchivePrefix  string
}

// DefaultRetentionPolicy keeps ninety days and archives what it deletes.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays:  90,
		ArchiveEnabled: true,
		ArchivePrefix:  "audit-archive",
	}
}
