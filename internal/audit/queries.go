package audit

const (
	queryInsertEntry = `
		INSERT INTO audit_log (timestamp, invocation_id, mode, chain_id, sender, decision, policy_id, reason, request)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectAll = `
		SELECT id, timestamp, invocation_id, mode, chain_id, sender, decision, policy_id, reason, request
		FROM audit_log
		ORDER BY timestamp DESC, id DESC`

	queryCountSigned = `
		SELECT COUNT(*) FROM audit_log
		WHERE chain_id = ? AND sender = ? AND decision = 'signed' AND timestamp >= ?`

	// Fixed-width UTC text so timestamps compare correctly as strings.
	timestampLayout = "2006-01-02 15:04:05.000"
)
