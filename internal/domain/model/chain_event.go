package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeSTXTransfer EventType = "STX_TRANSFER"
	EventTypeSTXMint     EventType = "STX_MINT"
	EventTypeSTXBurn     EventType = "STX_BURN"
	EventTypeSTXLock     EventType = "STX_LOCK"
	EventTypeFTTransfer  EventType = "FT_TRANSFER"
	EventTypeFTMint      EventType = "FT_MINT"
	EventTypeFTBurn      EventType = "FT_BURN"
	EventTypeNFTTransfer EventType = "NFT_TRANSFER"
	EventTypeNFTMint     EventType = "NFT_MINT"
	EventTypeNFTBurn     EventType = "NFT_BURN"
	EventTypePrint       EventType = "PRINT"
	EventTypeUnknown     EventType = "UNKNOWN"
)

var eventTypeByWire = map[string]EventType{
	"STX_TRANSFER":       EventTypeSTXTransfer,
	"STX_MINT":           EventTypeSTXMint,
	"STX_BURN":           EventTypeSTXBurn,
	"STX_LOCK":           EventTypeSTXLock,
	"FT_TRANSFER":        EventTypeFTTransfer,
	"FT_MINT":            EventTypeFTMint,
	"FT_BURN":            EventTypeFTBurn,
	"NFT_TRANSFER":       EventTypeNFTTransfer,
	"NFT_MINT":           EventTypeNFTMint,
	"NFT_BURN":           EventTypeNFTBurn,
	"PRINT":              EventTypePrint,
	"SMART_CONTRACT_LOG": EventTypePrint,
}

// ParseEventType maps a wire-format event type string to the internal enum.
// Matching is case-insensitive and tolerates a trailing "_EVENT" suffix
// ("ft_transfer_event" and "FT_TRANSFER" both resolve to FT_TRANSFER).
// Unrecognized strings map to EventTypeUnknown.
func ParseEventType(wire string) EventType {
	normalized := strings.ToUpper(strings.TrimSpace(wire))
	normalized = strings.TrimSuffix(normalized, "_EVENT")
	if et, ok := eventTypeByWire[normalized]; ok {
		return et
	}
	return EventTypeUnknown
}

// IsTokenMovement reports whether the event type carries an asset amount
// (transfers, mints and burns, but not locks or prints).
func (e EventType) IsTokenMovement() bool {
	switch e {
	case EventTypeSTXTransfer, EventTypeSTXMint, EventTypeSTXBurn,
		EventTypeFTTransfer, EventTypeFTMint, EventTypeFTBurn,
		EventTypeNFTTransfer, EventTypeNFTMint, EventTypeNFTBurn:
		return true
	}
	return false
}

// ChainEvent is a typed sub-event emitted by a transaction receipt.
// EventIndex orders events within their transaction; (TxID, EventIndex)
// is the business key. The Deleted flag always mirrors the owning
// transaction's flag after any rollback or restore.
type ChainEvent struct {
	ID                 uuid.UUID       `db:"id"`
	TransactionID      uuid.UUID       `db:"transaction_id"`
	TxID               string          `db:"tx_id"`
	EventIndex         int             `db:"event_index"`
	EventType          EventType       `db:"event_type"`
	AssetIdentifier    string          `db:"asset_identifier"`
	ContractIdentifier string          `db:"contract_identifier"`
	Sender             string          `db:"sender"`
	Recipient          string          `db:"recipient"`
	Amount             string          `db:"amount"`
	Topic              string          `db:"topic"`
	Value              json.RawMessage `db:"value"`
	Deleted            bool            `db:"deleted"`
	DeletedAt          *time.Time      `db:"deleted_at"`
}

// DeriveContractIdentifier returns the contract portion of a fully qualified
// asset identifier ("SP....counter::token" -> "SP....counter"). Falls back to
// the input when no asset separator is present.
func DeriveContractIdentifier(assetIdentifier string) string {
	if idx := strings.Index(assetIdentifier, "::"); idx >= 0 {
		return assetIdentifier[:idx]
	}
	return assetIdentifier
}
