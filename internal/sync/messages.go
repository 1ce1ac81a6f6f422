package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cashcompass/internal/core"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// ChangeMessage is the wire unit of the sync protocol: one committed
// write to one entity, in either direction. The payload is the full
// entity for upserts and absent for deletes; the version carries the
// last-writer-wins ordering.
type ChangeMessage struct {
	MessageID  string          `json:"message_id"`
	Collection string          `json:"collection"`
	Op         Op              `json:"op"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewChangeMessage(collection string, op Op, entityID string, version int64, payload any) (*ChangeMessage, error) {
	msg := &ChangeMessage{
		MessageID:  uuid.NewString(),
		Collection: collection,
		Op:         op,
		EntityID:   entityID,
		Version:    version,
		Timestamp:  time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Wire representations of the entities. Amounts travel as decimal
// strings.

type CategoryPayload struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Archived bool   `json:"archived"`
}

type AccountPayload struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	AccountType string `json:"account_type"`
	Archived    bool   `json:"archived"`
}

type TransactionPayload struct {
	ID        string           `json:"id"`
	Timestamp string           `json:"timestamp"`
	Amount    string           `json:"amount"`
	Label     string           `json:"label,omitempty"`
	Category  *CategoryPayload `json:"category,omitempty"`
	Account   *AccountPayload  `json:"account,omitempty"`
}

func CategoryToPayload(c core.Category) CategoryPayload {
	return CategoryPayload{ID: c.ID, Label: c.Label, Archived: c.Archived}
}

func (p CategoryPayload) ToCore() core.Category {
	return core.Category{ID: p.ID, Label: p.Label, Archived: p.Archived}
}

func AccountToPayload(a core.Account) AccountPayload {
	return AccountPayload{ID: a.ID, Label: a.Label, AccountType: string(a.AccountType), Archived: a.Archived}
}

func (p AccountPayload) ToCore() core.Account {
	return core.Account{ID: p.ID, Label: p.Label, AccountType: core.AccountType(p.AccountType), Archived: p.Archived}
}

func TransactionToPayload(t core.Transaction) TransactionPayload {
	p := TransactionPayload{
		ID:        t.ID,
		Timestamp: t.Timestamp,
		Amount:    t.Amount.String(),
		Label:     t.Label,
	}
	if t.Category != nil {
		cp := CategoryToPayload(*t.Category)
		p.Category = &cp
	}
	if t.Account != nil {
		ap := AccountToPayload(*t.Account)
		p.Account = &ap
	}
	return p
}

func (p TransactionPayload) ToCore() (core.Transaction, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse amount %q: %w", p.Amount, err)
	}
	t := core.Transaction{
		ID:        p.ID,
		Timestamp: p.Timestamp,
		Amount:    amount,
		Label:     p.Label,
	}
	if p.Category != nil {
		c := p.Category.ToCore()
		t.Category = &c
	}
	if p.Account != nil {
		a := p.Account.ToCore()
		t.Account = &a
	}
	return t, nil
}
