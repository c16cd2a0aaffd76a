package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/model"
)

// CollateralABI is the slice of the collateral contract the bridge uses.
const CollateralABI = `[
 {"type":"event","name":"OrderCreated","anonymous":false,"inputs":[
   {"name":"orderId","type":"bytes32","indexed":true},
   {"name":"owner","type":"address","indexed":true}]},
 {"type":"event","name":"OrderFunded","anonymous":false,"inputs":[
   {"name":"orderId","type":"bytes32","indexed":true},
   {"name":"owner","type":"address","indexed":true},
   {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"Withdrawn","anonymous":false,"inputs":[
   {"name":"orderId","type":"bytes32","indexed":true},
   {"name":"owner","type":"address","indexed":true},
   {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"Liquidated","anonymous":false,"inputs":[
   {"name":"orderId","type":"bytes32","indexed":true},
   {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"function","name":"orders","stateMutability":"view",
  "inputs":[{"name":"orderId","type":"bytes32"}],
  "outputs":[
   {"name":"owner","type":"address"},
   {"name":"amountWei","type":"uint256"},
   {"name":"funded","type":"bool"},
   {"name":"repaid","type":"bool"},
   {"name":"liquidated","type":"bool"}]},
 {"type":"function","name":"adminMirrorRepayment","stateMutability":"nonpayable",
  "inputs":[
   {"name":"orderId","type":"bytes32"},
   {"name":"sourceTx","type":"bytes32"},
   {"name":"unlockWei","type":"uint256"},
   {"name":"fullyRepaid","type":"bool"}],
  "outputs":[]},
 {"type":"function","name":"adminMirrorWithdraw","stateMutability":"nonpayable",
  "inputs":[
   {"name":"orderId","type":"bytes32"},
   {"name":"sourceTx","type":"bytes32"},
   {"name":"unlockWei","type":"uint256"},
   {"name":"fullyRepaid","type":"bool"},
   {"name":"receiver","type":"address"}],
  "outputs":[]}
]`

// EVMClient is the subset of the Ethereum RPC the bridge needs.
type EVMClient interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// EVM is a collateral ledger deployed on an EVM chain.
type EVM struct {
	client   EVMClient
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	timeout  time.Duration
}

// DialEVM connects to rpcURL and binds the collateral contract at
// address, signing admin transactions with signerKeyHex.
func DialEVM(ctx context.Context, rpcURL string, address common.Address, signerKeyHex string) (*EVM, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial evm: %w", err)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return NewEVM(client, address, auth)
}

// NewEVM binds the collateral contract at address on client.
func NewEVM(client EVMClient, address common.Address, auth *bind.TransactOpts) (*EVM, error) {
	parsed, err := abi.JSON(strings.NewReader(CollateralABI))
	if err != nil {
		return nil, fmt.Errorf("parse collateral abi: %w", err)
	}
	return &EVM{
		client:   client,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		auth:     auth,
		timeout:  2 * time.Minute,
	}, nil
}

// Receipt fetches a transaction receipt and decodes the contract's events.
func (e *EVM) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("tx %s: %w", hash.Hex(), model.ErrTxNotFound)
		}
		return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
	}
	if r == nil || r.BlockNumber == nil {
		return nil, fmt.Errorf("tx %s: receipt missing: %w", hash.Hex(), model.ErrTxNotFound)
	}
	out := &Receipt{
		TxHash:      hash,
		BlockNumber: r.BlockNumber.Uint64(),
		Status:      r.Status,
	}
	for _, lg := range r.Logs {
		if lg == nil || lg.Address != e.address || len(lg.Topics) < 2 {
			continue
		}
		ev, ok, err := e.decode(lg)
		if err != nil {
			return nil, fmt.Errorf("decode log %d of %s: %w", lg.Index, hash.Hex(), err)
		}
		if ok {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

func (e *EVM) decode(lg *gethtypes.Log) (model.Event, bool, error) {
	abiEvent, err := e.abi.EventByID(lg.Topics[0])
	if err != nil {
		return model.Event{}, false, nil
	}
	ev := model.Event{
		Chain:       model.ChainA,
		OrderID:     lg.Topics[1],
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}
	if len(lg.Topics) > 2 {
		ev.Account = common.BytesToAddress(lg.Topics[2].Bytes())
	}
	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := e.abi.UnpackIntoMap(fields, abiEvent.Name, lg.Data); err != nil {
			return model.Event{}, false, err
		}
	}
	if amount, ok := fields["amount"].(*big.Int); ok && amount != nil {
		v, overflow := uint256.FromBig(amount)
		if overflow {
			return model.Event{}, false, model.ErrOverflow
		}
		ev.Amount = v
	}
	switch abiEvent.Name {
	case "OrderCreated":
		ev.Kind = model.EventOrderCreated
	case "OrderFunded":
		ev.Kind = model.EventOrderFunded
	case "Withdrawn":
		ev.Kind = model.EventWithdrawn
	case "Liquidated":
		ev.Kind = model.EventLiquidated
	default:
		return model.Event{}, false, nil
	}
	return ev, true, nil
}

// Head returns the latest block number.
func (e *EVM) Head(ctx context.Context) (uint64, error) {
	h, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	if h == nil || h.Number == nil {
		return 0, fmt.Errorf("block metadata unavailable")
	}
	return h.Number.Uint64(), nil
}

// Order reads an order from the contract.
func (e *EVM) Order(ctx context.Context, orderID common.Hash) (*model.Order, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "orders", orderID); err != nil {
		return nil, fmt.Errorf("orders(%s): %w", orderID.Hex(), err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("orders(%s): %d outputs", orderID.Hex(), len(out))
	}
	owner, _ := out[0].(common.Address)
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("order %s: %w", orderID.Hex(), model.ErrUnknownOrder)
	}
	amountWei := new(uint256.Int)
	if amount, ok := out[1].(*big.Int); ok && amount != nil {
		v, overflow := uint256.FromBig(amount)
		if overflow {
			return nil, fmt.Errorf("orders(%s): amount: %w", orderID.Hex(), model.ErrOverflow)
		}
		amountWei = v
	}
	o := &model.Order{ID: orderID, Owner: owner, AmountWei: amountWei, UnlockedWei: new(uint256.Int)}
	o.Funded, _ = out[2].(bool)
	o.Repaid, _ = out[3].(bool)
	o.Liquidated, _ = out[4].(bool)
	return o, nil
}

// MirrorRepayment calls adminMirrorRepayment and waits for it to be mined.
func (e *EVM) MirrorRepayment(ctx context.Context, orderID, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool) (common.Hash, error) {
	return e.transact(ctx, "adminMirrorRepayment", orderID, sourceTx, unlock.ToBig(), fullyRepaid)
}

// MirrorAndRelease calls adminMirrorWithdraw and waits for it to be mined.
func (e *EVM) MirrorAndRelease(ctx context.Context, orderID, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool, receiver common.Address) (common.Hash, error) {
	return e.transact(ctx, "adminMirrorWithdraw", orderID, sourceTx, unlock.ToBig(), fullyRepaid, receiver)
}

// classifyCallError maps a failed send. Gas estimation surfaces reverts,
// either as JSON-RPC error data or as an "execution reverted" message;
// those are final, everything else is treated as transport trouble.
func classifyCallError(method string, err error) error {
	if strings.Contains(err.Error(), "AlreadyMirrored") {
		return fmt.Errorf("%s: %w", method, model.ErrAlreadyMirrored)
	}
	var dataErr rpc.DataError
	if (errors.As(err, &dataErr) && dataErr.ErrorData() != nil) || strings.Contains(err.Error(), "execution reverted") {
		return fmt.Errorf("%s: %v: %w", method, err, model.ErrDestinationRevert)
	}
	return fmt.Errorf("%s: %v: %w", method, err, model.ErrDestinationCall)
}

func (e *EVM) transact(ctx context.Context, method string, params ...any) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	opts := *e.auth
	opts.Context = ctx
	tx, err := e.contract.Transact(&opts, method, params...)
	if err != nil {
		return common.Hash{}, classifyCallError(method, err)
	}
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("%s: wait mined %s: %v: %w", method, tx.Hash().Hex(), err, model.ErrDestinationCall)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%s: tx %s reverted: %w", method, tx.Hash().Hex(), model.ErrDestinationRevert)
	}
	return tx.Hash(), nil
}
