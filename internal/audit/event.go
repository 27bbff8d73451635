package audit

import "time"

// Виды событий журнала.
const (
	KindInstall        = "install"
	KindUninstall      = "uninstall"
	KindCheckUserOp    = "check_user_op"
	KindCheckSignature = "check_signature"
)

// VerdictEvent — одна запись аудита жизненного цикла или вердикта.
type VerdictEvent struct {
	ID         string `json:"id"`       // UUID события
	TraceID    string `json:"trace_id"` // Сквозной ID запроса
	Kind       string `json:"kind"`
	Principal  string `json:"principal"`
	InstanceID string `json:"instance_id"`

	// Результат
	Verdict    string    `json:"verdict"`          // "SUCCESS" / "FAILED" для проверок, "OK" / "ERROR" для lifecycle
	Reason     string    `json:"reason,omitempty"` // внутренний код причины, наружу не отдается
	Nonce      string    `json:"nonce,omitempty"`  // потребленный nonce (только SUCCESS)
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
