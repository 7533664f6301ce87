package store

import "time"

// agentModel is the GORM row backing catalog.Agent. TokenHash is never the
// plaintext token: GetAgentByToken hashes the presented token the same way
// (see token.go) and looks up by hash, so a read of this table alone never
// discloses a usable credential.
type agentModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	TokenHash string `gorm:"uniqueIndex"`
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (agentModel) TableName() string { return "agents" }

// forwardModel is the GORM row backing catalog.Forward.
type forwardModel struct {
	ID         string `gorm:"primaryKey"`
	AgentID    string `gorm:"index"`
	Name       string
	Enabled    bool
	Direction  string
	Transport  string
	RemotePort uint16
	RemoteIP   string
	LocalIP    string
	LocalPort  uint16
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (forwardModel) TableName() string { return "forwards" }

// trafficRecordModel is one flush interval's nonzero byte delta for a
// forward, kept as an append-only log rather
// than a running total so traffic can be graphed over time.
type trafficRecordModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	ForwardID  string `gorm:"index"`
	BytesIn    int64
	BytesOut   int64
	RecordedAt time.Time
}

func (trafficRecordModel) TableName() string { return "traffic_records" }
