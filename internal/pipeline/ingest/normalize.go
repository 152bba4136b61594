package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

// droppedEvent identifies a receipt event whose wire type did not resolve
// to a known event type and was therefore not persisted.
type droppedEvent struct {
	TxID     string
	Index    int
	WireType string
}

// normalizeBlock converts one apply event into the persistence model. A
// transaction whose kind data cannot be parsed is dropped from the block
// (reported through the skipped return) rather than failing the payload;
// receipt events with an unrecognized wire type are dropped individually
// (reported through the dropped return).
func normalizeBlock(ev feed.BlockEvent, network model.Network) (block *model.Block, skipped []string, dropped []droppedEvent, err error) {
	if ev.BlockIdentifier.Hash == "" {
		return nil, nil, nil, fmt.Errorf("apply event missing block hash at height %d", ev.BlockIdentifier.Height)
	}

	block = &model.Block{
		Network:   network,
		Height:    ev.BlockIdentifier.Height,
		Hash:      ev.BlockIdentifier.Hash,
		Timestamp: time.Unix(ev.Timestamp, 0).UTC(),
	}
	if ev.ParentBlockIdentifier != nil {
		block.ParentHash = ev.ParentBlockIdentifier.Hash
	}

	for i := range ev.Transactions {
		txn, txDropped, txErr := normalizeTransaction(&ev.Transactions[i])
		if txErr != nil {
			skipped = append(skipped, ev.Transactions[i].TxID)
			continue
		}
		dropped = append(dropped, txDropped...)
		block.Transactions = append(block.Transactions, txn)
	}
	return block, skipped, dropped, nil
}

func normalizeTransaction(te *feed.TransactionEvent) (*model.Transaction, []droppedEvent, error) {
	if te.TxID == "" {
		return nil, nil, fmt.Errorf("transaction missing tx_id")
	}

	txn := &model.Transaction{
		TxID:    te.TxID,
		TxIndex: te.TxIndex,
		Sender:  te.Sender,
		Type:    model.ParseTxType(te.Kind.Type),
		Success: te.Success,
		Fee:     te.Fee,
		Nonce:   te.Nonce,
	}

	switch txn.Type {
	case model.TxTypeContractCall:
		var data feed.ContractCallData
		if err := json.Unmarshal(te.Kind.Data, &data); err != nil {
			return nil, nil, fmt.Errorf("parse contract call data for %s: %w", te.TxID, err)
		}
		if data.ContractIdentifier == "" || data.Method == "" {
			return nil, nil, fmt.Errorf("contract call for %s missing contract or method", te.TxID)
		}
		txn.ContractCall = &model.ContractCall{
			TxID:               te.TxID,
			ContractIdentifier: data.ContractIdentifier,
			FunctionName:       data.Method,
			FunctionArgs:       data.Args,
		}
	case model.TxTypeSmartContract:
		var data feed.ContractDeploymentData
		if err := json.Unmarshal(te.Kind.Data, &data); err != nil {
			return nil, nil, fmt.Errorf("parse contract deployment data for %s: %w", te.TxID, err)
		}
		txn.ContractDeployment = &model.ContractDeployment{
			TxID:               te.TxID,
			ContractIdentifier: data.ContractIdentifier,
		}
	}

	var dropped []droppedEvent
	for i := range te.Receipt.Events {
		ev := normalizeEvent(te.TxID, i, &te.Receipt.Events[i])
		if ev.EventType == model.EventTypeUnknown {
			dropped = append(dropped, droppedEvent{
				TxID:     te.TxID,
				Index:    ev.EventIndex,
				WireType: te.Receipt.Events[i].Type,
			})
			continue
		}
		txn.Events = append(txn.Events, ev)
	}
	return txn, dropped, nil
}

// normalizeEvent maps one receipt event envelope; the caller drops events
// that resolve to UNKNOWN. Event order falls back to receipt position when
// the envelope carries no explicit index.
func normalizeEvent(txID string, position int, env *feed.EventEnvelope) *model.ChainEvent {
	index := position
	if env.Position != nil {
		index = env.Position.Index
	}

	ev := &model.ChainEvent{
		TxID:       txID,
		EventIndex: index,
		EventType:  model.ParseEventType(env.Type),
		Sender:     env.Data.Sender,
		Recipient:  env.Data.Recipient,
		Amount:     env.Data.Amount,
		Topic:      env.Data.Topic,
		Value:      env.Data.Value,
	}

	switch {
	case ev.EventType.IsTokenMovement():
		ev.AssetIdentifier = assetIdentifierFor(ev.EventType, env.Data.AssetIdentifier)
		ev.ContractIdentifier = model.DeriveContractIdentifier(ev.AssetIdentifier)
	case ev.EventType == model.EventTypeSTXLock:
		ev.AssetIdentifier = stxAssetIdentifier
		if ev.Amount == "" {
			ev.Amount = env.Data.LockedAmount
		}
	case ev.EventType == model.EventTypePrint:
		ev.ContractIdentifier = env.Data.ContractID
		if ev.ContractIdentifier == "" {
			ev.ContractIdentifier = model.DeriveContractIdentifier(env.Data.AssetIdentifier)
		}
	}
	return ev
}

// stxAssetIdentifier is the canonical asset identifier for native STX
// movements, which carry no asset_identifier on the wire.
const stxAssetIdentifier = "STX"

func assetIdentifierFor(et model.EventType, wire string) string {
	if wire != "" {
		return wire
	}
	switch et {
	case model.EventTypeSTXTransfer, model.EventTypeSTXMint, model.EventTypeSTXBurn:
		return stxAssetIdentifier
	}
	return wire
}
