package pulseboard

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Monitoring API Types
// ============================================================================

// HealthInfo is the API health report.
type HealthInfo struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  int64  `json:"uptime,omitempty"`
}

// Server is one monitored host.
type Server struct {
	ID        int64  `json:"id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address,omitempty"`
	OS        string `json:"os,omitempty"`
	Status    string `json:"status"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// UploadStatus is a point-in-time snapshot of one metrics upload job. It is
// the response shape of the status poll the SyncTracker issues while the
// push channel is down.
type UploadStatus struct {
	UploadID         string `json:"upload_id"`
	Status           string `json:"status"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsInserted  int    `json:"records_inserted"`
	RecordsDuplicate int    `json:"records_duplicate"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// Upload status values.
const (
	UploadProcessing = "processing"
	UploadCompleted  = "completed"
	UploadFailed     = "failed"
)
