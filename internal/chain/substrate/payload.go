package substrate

import "encoding/json"

// Method identifies a pallet call or event.
type Method struct {
	Pallet string `json:"pallet"`
	Method string `json:"method"`
}

// Key returns the lowercase "pallet.method" form used in filter lookups.
func (m Method) Key() string {
	return normalizeKey(m.Pallet + "." + m.Method)
}

// Event is a runtime event as served by the sidecar.
type Event struct {
	Method Method          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// Signature carries the signer of a signed extrinsic.
type Signature struct {
	Signature string `json:"signature"`
	Signer    struct {
		ID string `json:"id"`
	} `json:"signer"`
}

// Extrinsic is a block extrinsic with the events it emitted.
type Extrinsic struct {
	Method    Method          `json:"method"`
	Signature *Signature      `json:"signature"`
	Nonce     *string         `json:"nonce"`
	Args      json.RawMessage `json:"args"`
	Hash      string          `json:"hash"`
	Success   bool            `json:"success"`
	Events    []Event         `json:"events"`
}

// Signer returns the signer account of the extrinsic, empty for inherents and unsigned extrinsics.
func (x *Extrinsic) Signer() string {
	if x.Signature == nil {
		return ""
	}
	return x.Signature.Signer.ID
}

// phase groups events emitted outside extrinsics.
type phase struct {
	Events []Event `json:"events"`
}

// sidecarBlock is the /blocks/{n} response.
type sidecarBlock struct {
	Number       string            `json:"number"`
	Hash         string            `json:"hash"`
	ParentHash   string            `json:"parentHash"`
	AuthorID     string            `json:"authorId"`
	OnInitialize phase             `json:"onInitialize"`
	Extrinsics   []json.RawMessage `json:"extrinsics"`
	OnFinalize   phase             `json:"onFinalize"`
}

// sidecarHeader is the /blocks/{n}/header response.
type sidecarHeader struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
}

// BlockPayload is the payload of a substrate block envelope.
// Extrinsics are kept raw so a malformed extrinsic only fails itself.
type BlockPayload struct {
	Number       uint64            `json:"number"`
	Hash         string            `json:"hash"`
	ParentHash   string            `json:"parent_hash"`
	Author       string            `json:"author,omitempty"`
	Timestamp    uint64            `json:"timestamp"`
	OnInitialize []Event           `json:"on_initialize"`
	Extrinsics   []json.RawMessage `json:"extrinsics"`
	OnFinalize   []Event           `json:"on_finalize"`
}

// CallPayload is the trigger payload of a matched extrinsic.
type CallPayload struct {
	Block   uint64          `json:"block"`
	Index   int             `json:"index"`
	Hash    string          `json:"hash"`
	Pallet  string          `json:"pallet"`
	Method  string          `json:"method"`
	Signer  string          `json:"signer,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Success bool            `json:"success"`
}

// EventPayload is the trigger payload of a matched event.
type EventPayload struct {
	Block     uint64          `json:"block"`
	Phase     string          `json:"phase"`
	Extrinsic *int            `json:"extrinsic,omitempty"`
	Pallet    string          `json:"pallet"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BlockSummary is the trigger payload of a block handler.
type BlockSummary struct {
	Number         uint64 `json:"number"`
	Hash           string `json:"hash"`
	ParentHash     string `json:"parent_hash"`
	Timestamp      uint64 `json:"timestamp"`
	ExtrinsicCount int    `json:"extrinsic_count"`
}

// Event phases.
const (
	PhaseInitialization = "initialization"
	PhaseApplyExtrinsic = "apply_extrinsic"
	PhaseFinalization   = "finalization"
)
