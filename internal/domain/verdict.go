package domain

// Verdict — результат проверки для хоста. Kernel трактует любое ненулевое значение как отказ.
type Verdict uint8

const (
	VerdictSuccess Verdict = 0
	VerdictFailed  Verdict = 1
)

func (v Verdict) String() string {
	if v == VerdictSuccess {
		return "SUCCESS"
	}
	return "FAILED"
}

// Reason — внутренний код причины отказа. Наружу не отдается (только логи, метрики, аудит).
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotInstalled      Reason = "not_installed"
	ReasonConfigChanged     Reason = "config_changed"
	ReasonMalformedEnvelope Reason = "malformed_envelope"
	ReasonBadVersion        Reason = "unsupported_envelope_version"
	ReasonDeadlineExpired   Reason = "deadline_expired"
	ReasonBundleMismatch    Reason = "bundle_hash_mismatch"
	ReasonNonceMismatch     Reason = "nonce_mismatch"
	ReasonBadSignature      Reason = "signature_mismatch"
	ReasonMalformedProgram  Reason = "malformed_program"
	ReasonCheckFailed       Reason = "check_failed"
	ReasonClockUnavailable  Reason = "clock_unavailable"
	ReasonStoreUnavailable  Reason = "store_unavailable"
)
