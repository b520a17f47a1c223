package audit

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			invocation_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			sender TEXT NOT NULL,
			decision TEXT NOT NULL CHECK(decision IN ('signed', 'denied', 'failed')),
			policy_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			request TEXT NOT NULL
		)`

	triggerPreventUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_update
		BEFORE UPDATE ON audit_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on audit_log');
		END`

	triggerPreventDelete = `
		CREATE TRIGGER IF NOT EXISTS prevent_delete
		BEFORE DELETE ON audit_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Deletes not allowed on audit_log');
		END`

	indexTimestamp = `
		CREATE INDEX IF NOT EXISTS idx_timestamp ON audit_log(timestamp DESC)`

	indexSenderUsage = `
		CREATE INDEX IF NOT EXISTS idx_sender_usage ON audit_log(chain_id, sender, decision, timestamp)`
)

func schemaStatements() []string {
	return []string{
		tableSchema,
		triggerPreventUpdate,
		triggerPreventDelete,
		indexTimestamp,
		indexSenderUsage,
	}
}
