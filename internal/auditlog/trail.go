package audit

import (
	"context"
	"log/slog"
)

// Trail is the audit trail used by the rest of the daemon. The file Logger
// is mandatory: an append failure there is logged at error level. The
// Postgres sink is optional and best-effort: Insert failures are logged at
// warn level. Neither kind of failure is surfaced to callers of
// RecordConfigLoaded or RecordManualAck.
type Trail struct {
	file *Logger
	pg   *PostgresSink
	log  *slog.Logger
}

// NewTrail wires a mandatory file Logger with an optional Postgres sink.
// pg may be nil if no secondary sink is configured.
func NewTrail(file *Logger, pg *PostgresSink, log *slog.Logger) *Trail {
	return &Trail{file: file, pg: pg, log: log}
}

// RecordConfigLoaded appends a config_loaded entry describing the alarm
// definitions the daemon just loaded at startup.
func (t *Trail) RecordConfigLoaded(alarmCount int, configPath, contentHash string) {
	payload := ConfigLoadedPayload{
		Kind:        KindConfigLoaded,
		AlarmCount:  alarmCount,
		ConfigPath:  configPath,
		ContentHash: contentHash,
	}
	t.append(marshalPayload(payload))
}

// RecordManualAck appends a manual_ack entry for an alarm acknowledged
// through the Admin API. It satisfies the restapi.Auditor interface.
func (t *Trail) RecordManualAck(name, actor string) {
	payload := ManualAckPayload{
		Kind:      KindManualAck,
		AlarmName: name,
		Actor:     actor,
	}
	t.append(marshalPayload(payload))
}

func (t *Trail) append(payload []byte) {
	e, err := t.file.Append(payload)
	if err != nil {
		// The file sink is the durable source of truth; a failure here is
		// the caller's problem to surface, but RecordConfigLoaded and
		// RecordManualAck have no error return by design (ack/startup flow
		// must not block on audit plumbing), so we log and move on.
		t.log.Error("audit: file append failed", "error", err)
		return
	}

	if t.pg == nil {
		return
	}
	if err := t.pg.Insert(context.Background(), e); err != nil {
		t.log.Warn("audit: postgres sink insert failed", "seq", e.Seq, "error", err)
	}
}

// Close closes the file sink and, if present, the Postgres pool.
func (t *Trail) Close() error {
	if t.pg != nil {
		t.pg.Close()
	}
	return t.file.Close()
}
