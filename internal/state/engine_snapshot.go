package state

const EngineSnapshotPath = "Engine/status"

// EngineSnapshot is the last engine status the app published. It is written
// through the KV so status survives restarts and statectl can read it.
type EngineSnapshot struct {
	Status       int    `json:"status"`
	StatusText   string `json:"status_text"`
	Processors   int    `json:"processors"`
	TradeEnabled bool   `json:"trade_enabled"`
	StartedAtMS  int64  `json:"started_at_ms"`
	UpdatedAtMS  int64  `json:"updated_at_ms"`
	LastError    string `json:"last_error,omitempty"`
}

func LoadEngineSnapshot(kv *KV) (EngineSnapshot, bool, error) {
	if kv == nil {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	ok, err := kv.Scope(EngineSnapshotPath).Load(&snapshot)
	if err != nil || !ok {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(kv *KV, snapshot EngineSnapshot) error {
	if kv == nil {
		return nil
	}
	return kv.Scope(EngineSnapshotPath).Save(snapshot)
}
