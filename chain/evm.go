package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hyperledger/firefly-signer/pkg/abi"
	"github.com/hyperledger/firefly-signer/pkg/ethsigner"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/rpcbackend"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type EVMConfig struct {
	RPCURL          string
	PrivateKey      string // hex, with or without 0x
	ContractAddress string
	ChainID         int64 // 0 asks the node
	Decimals        int32 // token decimals on chain
	PollInterval    time.Duration
}

// Configured reports whether the chain capability is switched on.
func (c EVMConfig) Configured() bool {
	return c.RPCURL != "" && c.PrivateKey != "" && c.ContractAddress != ""
}

// mintABI is the one contract function the mirror calls.
var mintABI = &abi.Entry{
	Type: abi.Function,
	Name: "mint",
	Inputs: abi.ParameterArray{
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
	},
}

// rpcCaller is the slice of rpcbackend.Backend the adapter uses.
type rpcCaller interface {
	CallRPC(ctx context.Context, result interface{}, method string, params ...interface{}) *rpcbackend.RPCError
}

// =============================================================================
// EVM MIRROR
// =============================================================================

// EVM mints mirrored rewards on an EVM chain through JSON-RPC.
type EVM struct {
	rpc      rpcCaller
	key      *secp256k1.KeyPair
	contract *ethtypes.Address0xHex
	chainID  int64
	decimals int32
	poll     time.Duration
	log      zerolog.Logger

	// nonceMu serializes nonce lookup through submission.
	nonceMu sync.Mutex
}

var _ ReceiptChecker = (*EVM)(nil)

// NewMirror returns the EVM mirror when cfg is complete, Unavailable otherwise.
func NewMirror(cfg EVMConfig, log zerolog.Logger) (Mirror, error) {
	if !cfg.Configured() {
		log.Info().Msg("blockchain mirror not configured, rewards settle off-chain")
		return Unavailable{}, nil
	}
	rpc := rpcbackend.NewRPCClient(resty.New().SetBaseURL(cfg.RPCURL))
	return NewEVM(rpc, cfg, log)
}

func NewEVM(rpc rpcCaller, cfg EVMConfig, log zerolog.Logger) (*EVM, error) {
	keyBytes, err := ethtypes.NewHexBytes0xPrefix(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("chain private key: %w", err)
	}
	key, err := secp256k1.NewSecp256k1KeyPair(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("chain private key: %w", err)
	}
	contract, err := ethtypes.NewAddress(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("chain contract address: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	decimals := cfg.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	return &EVM{
		rpc:      rpc,
		key:      key,
		contract: contract,
		chainID:  cfg.ChainID,
		decimals: decimals,
		poll:     poll,
		log:      log.With().Str("component", "chain").Str("signer", key.Address.String()).Logger(),
	}, nil
}

func (e *EVM) Available() bool { return true }

// MirrorReward submits mint(address, amount) and waits for its receipt.
// One attempt; the caller decides whether to try again.
func (e *EVM) MirrorReward(ctx context.Context, address string, amount decimal.Decimal, reason string) (Receipt, error) {
	to, err := ethtypes.NewAddress(address)
	if err != nil {
		return Receipt{}, &Error{Op: "encode", Err: fmt.Errorf("wallet address: %w", err)}
	}
	units := amount.Shift(e.decimals).BigInt()
	if units.Sign() <= 0 {
		return Receipt{}, &Error{Op: "encode", Err: fmt.Errorf("amount %s is not positive", amount)}
	}

	params, err := json.Marshal(map[string]string{"to": to.String(), "amount": units.String()})
	if err != nil {
		return Receipt{}, &Error{Op: "encode", Err: err}
	}
	callData, err := mintABI.EncodeCallDataJSONCtx(ctx, params)
	if err != nil {
		return Receipt{}, &Error{Op: "encode", Err: err}
	}

	hash, err := e.submit(ctx, callData)
	if err != nil {
		return Receipt{}, err
	}
	e.log.Info().Str("hash", hash).Str("to", to.String()).Str("amount", amount.String()).Str("reason", reason).Msg("mirror submitted")

	return e.waitForReceipt(ctx, hash)
}

func (e *EVM) submit(ctx context.Context, callData []byte) (string, error) {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	chainID, err := e.resolveChainID(ctx)
	if err != nil {
		return "", err
	}
	from := e.key.Address.String()

	var nonce ethtypes.HexUint64
	if rpcErr := e.rpc.CallRPC(ctx, &nonce, "eth_getTransactionCount", from, "pending"); rpcErr != nil {
		return "", &Error{Op: "nonce", Err: rpcErr.Error()}
	}
	var gasPrice ethtypes.HexInteger
	if rpcErr := e.rpc.CallRPC(ctx, &gasPrice, "eth_gasPrice"); rpcErr != nil {
		return "", &Error{Op: "gas price", Err: rpcErr.Error()}
	}

	tx := &ethsigner.Transaction{
		From:                 json.RawMessage(fmt.Sprintf("%q", from)),
		To:                   e.contract,
		Nonce:                ethtypes.NewHexInteger(new(big.Int).SetUint64(nonce.Uint64())),
		MaxFeePerGas:         &gasPrice,
		MaxPriorityFeePerGas: &gasPrice,
		Data:                 ethtypes.HexBytes0xPrefix(callData),
	}

	var estimate ethtypes.HexInteger
	if rpcErr := e.rpc.CallRPC(ctx, &estimate, "eth_estimateGas", tx); rpcErr != nil {
		return "", &Error{Op: "estimate gas", Err: rpcErr.Error()}
	}
	// 50% headroom over the estimate.
	limit := new(big.Int).Mul(estimate.BigInt(), big.NewInt(3))
	tx.GasLimit = ethtypes.NewHexInteger(limit.Div(limit, big.NewInt(2)))

	sigPayload := tx.SignaturePayloadEIP1559(chainID)
	sig, err := e.key.Sign(sigPayload.Bytes())
	if err != nil {
		return "", &Error{Op: "sign", Err: err}
	}
	raw, err := tx.FinalizeEIP1559WithSignature(sigPayload, sig)
	if err != nil {
		return "", &Error{Op: "sign", Err: err}
	}

	var hash ethtypes.HexBytes0xPrefix
	if rpcErr := e.rpc.CallRPC(ctx, &hash, "eth_sendRawTransaction", ethtypes.HexBytes0xPrefix(raw)); rpcErr != nil {
		return "", &Error{Op: "submit", Err: rpcErr.Error()}
	}
	return hash.String(), nil
}

func (e *EVM) resolveChainID(ctx context.Context) (int64, error) {
	if e.chainID != 0 {
		return e.chainID, nil
	}
	var id ethtypes.HexInteger
	if rpcErr := e.rpc.CallRPC(ctx, &id, "eth_chainId"); rpcErr != nil {
		return 0, &Error{Op: "chain id", Err: rpcErr.Error()}
	}
	e.chainID = id.BigInt().Int64()
	return e.chainID, nil
}

type txReceipt struct {
	BlockNumber *ethtypes.HexInteger `json:"blockNumber"`
	Status      *ethtypes.HexInteger `json:"status"`
}

// waitForReceipt polls until the transaction is mined or ctx ends.
func (e *EVM) waitForReceipt(ctx context.Context, hash string) (Receipt, error) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		receipt, found, err := e.CheckReceipt(ctx, hash)
		if err != nil || found {
			return receipt, err
		}

		select {
		case <-ctx.Done():
			return Receipt{}, &Error{Op: "receipt", Hash: hash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// CheckReceipt asks the node once for the receipt of hash.
func (e *EVM) CheckReceipt(ctx context.Context, hash string) (Receipt, bool, error) {
	var receipt *txReceipt
	if rpcErr := e.rpc.CallRPC(ctx, &receipt, "eth_getTransactionReceipt", hash); rpcErr != nil {
		return Receipt{}, false, &Error{Op: "receipt", Hash: hash, Err: rpcErr.Error()}
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return Receipt{}, false, nil
	}
	if receipt.Status != nil && receipt.Status.BigInt().Sign() == 0 {
		return Receipt{}, false, &Error{Op: "receipt", Hash: hash, Err: ErrReverted}
	}
	block := receipt.BlockNumber.BigInt().Uint64()
	return Receipt{Hash: hash, BlockNumber: block, Confirmations: e.confirmations(ctx, block)}, true, nil
}

// confirmations is best effort; zero when the head cannot be read.
func (e *EVM) confirmations(ctx context.Context, block uint64) int {
	var head ethtypes.HexUint64
	if rpcErr := e.rpc.CallRPC(ctx, &head, "eth_blockNumber"); rpcErr != nil {
		return 0
	}
	if head.Uint64() < block {
		return 0
	}
	return int(head.Uint64()-block) + 1
}
