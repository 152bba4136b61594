package model

import "strings"

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

func (n Network) String() string {
	return string(n)
}

type TxType string

const (
	TxTypeContractCall   TxType = "CONTRACT_CALL"
	TxTypeSmartContract  TxType = "SMART_CONTRACT"
	TxTypeTokenTransfer  TxType = "TOKEN_TRANSFER"
	TxTypeCoinbase       TxType = "COINBASE"
	TxTypeTenureChange   TxType = "TENURE_CHANGE"
	TxTypePoisonMicroblk TxType = "POISON_MICROBLOCK"
	TxTypeUnknown        TxType = "UNKNOWN"
)

var txTypeByWire = map[string]TxType{
	"CONTRACTCALL":       TxTypeContractCall,
	"SMARTCONTRACT":      TxTypeSmartContract,
	"CONTRACTDEPLOYMENT": TxTypeSmartContract,
	"TOKENTRANSFER":      TxTypeTokenTransfer,
	"STXTRANSFER":        TxTypeTokenTransfer,
	"COINBASE":           TxTypeCoinbase,
	"TENURECHANGE":       TxTypeTenureChange,
	"POISONMICROBLOCK":   TxTypePoisonMicroblk,
}

// ParseTxType maps a wire-format transaction kind to the internal enum.
// Matching ignores case and underscores ("contract_call" and "ContractCall"
// both resolve to CONTRACT_CALL). Unrecognized kinds map to TxTypeUnknown.
func ParseTxType(wire string) TxType {
	normalized := strings.ToUpper(strings.TrimSpace(wire))
	normalized = strings.ReplaceAll(normalized, "_", "")
	if tt, ok := txTypeByWire[normalized]; ok {
		return tt
	}
	return TxTypeUnknown
}
