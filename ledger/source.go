/*
source.go - What triggered a transaction

Every transaction carries exactly one Source variant. Each variant holds only
the fields relevant to its trigger; the set is closed (the unexported marker
method keeps other packages from adding variants) and every consumer switches
over it exhaustively.

Persisted form is a small JSON envelope keyed by "source":

  {"source":"course_completion","data":{"courseId":"c-1","baseReward":"100", ...}}
*/
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type SourceKind string

const (
	SourceRegistration       SourceKind = "registration"
	SourceCourseCompletion   SourceKind = "course_completion"
	SourceWalletConnection   SourceKind = "wallet_connection"
	SourceRedemption         SourceKind = "redemption"
	SourceAdminAction        SourceKind = "admin_action"
	SourceBlockchainTransfer SourceKind = "blockchain_transfer"
)

// Source is the closed set of transaction triggers.
type Source interface {
	Kind() SourceKind
	isSource()
}

type Registration struct{}

type CourseCompletion struct {
	CourseID     string          `json:"courseId"`
	BaseReward   decimal.Decimal `json:"baseReward"`
	EarlyBonus   decimal.Decimal `json:"earlyBonus"`
	PerfectBonus decimal.Decimal `json:"perfectBonus"`
}

type WalletConnection struct {
	Address string `json:"address"`
}

// Redemption covers both the debit for a redemption and its refund.
type Redemption struct {
	RedemptionID string `json:"redemptionId"`
	ItemID       string `json:"itemId"`
	Quantity     int    `json:"quantity"`
	Reason       string `json:"reason,omitempty"`
}

type AdminAction struct {
	ActorID string `json:"actorId"`
	Note    string `json:"note,omitempty"`
}

type BlockchainTransfer struct {
	Hash        string `json:"hash"`
	FromAddress string `json:"fromAddress,omitempty"`
}

func (Registration) Kind() SourceKind       { return SourceRegistration }
func (CourseCompletion) Kind() SourceKind   { return SourceCourseCompletion }
func (WalletConnection) Kind() SourceKind   { return SourceWalletConnection }
func (Redemption) Kind() SourceKind         { return SourceRedemption }
func (AdminAction) Kind() SourceKind        { return SourceAdminAction }
func (BlockchainTransfer) Kind() SourceKind { return SourceBlockchainTransfer }

func (Registration) isSource()       {}
func (CourseCompletion) isSource()   {}
func (WalletConnection) isSource()   {}
func (Redemption) isSource()         {}
func (AdminAction) isSource()        {}
func (BlockchainTransfer) isSource() {}

// =============================================================================
// ENCODING
// =============================================================================

type sourceEnvelope struct {
	Source SourceKind      `json:"source"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EncodeSource serializes a source for storage.
func EncodeSource(s Source) ([]byte, error) {
	if s == nil {
		return nil, &ValidationError{Field: "source", Message: "required"}
	}
	var data []byte
	var err error
	switch v := s.(type) {
	case Registration:
		// no payload
	case CourseCompletion:
		data, err = json.Marshal(v)
	case WalletConnection:
		data, err = json.Marshal(v)
	case Redemption:
		data, err = json.Marshal(v)
	case AdminAction:
		data, err = json.Marshal(v)
	case BlockchainTransfer:
		data, err = json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown source type %T", s)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(sourceEnvelope{Source: s.Kind(), Data: data})
}

// DecodeSource is the inverse of EncodeSource.
func DecodeSource(raw []byte) (Source, error) {
	var env sourceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode source envelope: %w", err)
	}
	switch env.Source {
	case SourceRegistration:
		return Registration{}, nil
	case SourceCourseCompletion:
		var v CourseCompletion
		err := unmarshalData(env.Data, &v)
		return v, err
	case SourceWalletConnection:
		var v WalletConnection
		err := unmarshalData(env.Data, &v)
		return v, err
	case SourceRedemption:
		var v Redemption
		err := unmarshalData(env.Data, &v)
		return v, err
	case SourceAdminAction:
		var v AdminAction
		err := unmarshalData(env.Data, &v)
		return v, err
	case SourceBlockchainTransfer:
		var v BlockchainTransfer
		err := unmarshalData(env.Data, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown source kind %q", env.Source)
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
