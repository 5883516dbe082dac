package chain

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

type TransferKind int

const (
	SPLTransfer TransferKind = iota + 1
	SPLTransferChecked
	NativeTransfer
)

func (k TransferKind) String() string {
	switch k {
	case SPLTransfer:
		return "spl_transfer"
	case SPLTransferChecked:
		return "spl_transfer_checked"
	case NativeTransfer:
		return "native_transfer"
	}
	return "unknown"
}

// Transfer is one value movement found in a transaction. For SPL kinds Mint
// and DestinationOwner come from the instruction or the token balances and
// are zero when neither source knows them.
type Transfer struct {
	Kind             TransferKind
	Source           solana.PublicKey
	Destination      solana.PublicKey
	DestinationOwner solana.PublicKey
	Authority        solana.PublicKey
	Mint             solana.PublicKey
	Amount           uint64
}

func (t Transfer) Native() bool { return t.Kind == NativeTransfer }

const (
	splTagTransfer        = 3
	splTagTransferChecked = 12
	systemTagTransfer     = 2
)

// ExtractTransfers decodes every recognised transfer. Instructions it cannot
// decode are skipped rather than failing the whole transaction.
func ExtractTransfers(tx *Transaction) []Transfer {
	var out []Transfer
	for _, ix := range tx.Instructions {
		t, ok := decodeTransfer(ix)
		if !ok {
			continue
		}
		if t.Kind != NativeTransfer {
			if bal, ok := tx.TokenAccounts[t.Destination]; ok {
				t.DestinationOwner = bal.Owner
				if t.Mint.IsZero() {
					t.Mint = bal.Mint
				}
			}
			if t.Mint.IsZero() {
				if bal, ok := tx.TokenAccounts[t.Source]; ok {
					t.Mint = bal.Mint
				}
			}
		}
		out = append(out, t)
	}
	return out
}

func decodeTransfer(ix Instruction) (Transfer, bool) {
	switch {
	case ix.ProgramID.Equals(solana.TokenProgramID) || ix.ProgramID.Equals(solana.Token2022ProgramID):
		return decodeSPL(ix)
	case ix.ProgramID.Equals(solana.SystemProgramID):
		return decodeSystem(ix)
	}
	return Transfer{}, false
}

func decodeSPL(ix Instruction) (Transfer, bool) {
	if len(ix.Data) < 9 {
		return Transfer{}, false
	}
	amount := binary.LittleEndian.Uint64(ix.Data[1:9])
	switch ix.Data[0] {
	case splTagTransfer:
		// source, destination, authority
		if len(ix.Accounts) < 3 {
			return Transfer{}, false
		}
		return Transfer{
			Kind:        SPLTransfer,
			Source:      ix.Accounts[0],
			Destination: ix.Accounts[1],
			Authority:   ix.Accounts[2],
			Amount:      amount,
		}, true
	case splTagTransferChecked:
		// source, mint, destination, authority
		if len(ix.Data) < 10 || len(ix.Accounts) < 4 {
			return Transfer{}, false
		}
		return Transfer{
			Kind:        SPLTransferChecked,
			Source:      ix.Accounts[0],
			Mint:        ix.Accounts[1],
			Destination: ix.Accounts[2],
			Authority:   ix.Accounts[3],
			Amount:      amount,
		}, true
	}
	return Transfer{}, false
}

func decodeSystem(ix Instruction) (Transfer, bool) {
	if len(ix.Data) < 12 || len(ix.Accounts) < 2 {
		return Transfer{}, false
	}
	if binary.LittleEndian.Uint32(ix.Data[0:4]) != systemTagTransfer {
		return Transfer{}, false
	}
	return Transfer{
		Kind:             NativeTransfer,
		Source:           ix.Accounts[0],
		Destination:      ix.Accounts[1],
		DestinationOwner: ix.Accounts[1],
		Authority:        ix.Accounts[0],
		Amount:           binary.LittleEndian.Uint64(ix.Data[4:12]),
	}, true
}
