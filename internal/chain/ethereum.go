package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/chainwatch/internal/circuitbreaker"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// TxHandler receives each newly observed transaction. Handlers must not
// block for long; the poller processes blocks serially.
type TxHandler func(ctx context.Context, tx Transaction)

// EthereumConfig configures the transfer poller.
type EthereumConfig struct {
	RPCURL        string
	TokenContract common.Address // ERC20 contract whose transfers are observed
	TokenDecimals int
	Blockchain    string // label stamped on produced Transactions, e.g. "ethereum"
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
}

// DefaultEthereumConfig returns sensible defaults.
func DefaultEthereumConfig() EthereumConfig {
	return EthereumConfig{
		Blockchain:    "ethereum",
		TokenDecimals: 18,
		PollInterval:  15 * time.Second,
	}
}

// EthereumPoller tails ERC20 transfer logs and converts them into
// Transactions for the detection engine. A failed fetch for one block
// range never aborts the polling cycle; the range is retried next tick.
type EthereumPoller struct {
	client  *ethclient.Client
	config  EthereumConfig
	handler TxHandler
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	// Track processed transactions within the session
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// NewEthereumPoller connects to the RPC endpoint and prepares a poller.
func NewEthereumPoller(cfg EthereumConfig, handler TxHandler, logger *slog.Logger) (*EthereumPoller, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &EthereumPoller{
		client:    client,
		config:    cfg,
		handler:   handler,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins tailing transfer logs.
func (p *EthereumPoller) Start(ctx context.Context) error {
	if p.config.StartBlock == 0 {
		block, err := p.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		p.lastBlock = block
	} else {
		p.lastBlock = p.config.StartBlock
	}

	p.logger.Info("transfer poller started",
		"blockchain", p.config.Blockchain,
		"contract", p.config.TokenContract.Hex(),
		"startBlock", p.lastBlock,
	)

	go p.pollLoop(ctx)
	return nil
}

// Stop stops the poller and waits for the loop to exit.
func (p *EthereumPoller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *EthereumPoller) pollLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.checkForTransfers(ctx); err != nil {
				p.logger.Error("transfer check failed", "error", err)
			}
		}
	}
}

func (p *EthereumPoller) checkForTransfers(ctx context.Context) error {
	key := "eth_rpc:" + p.config.Blockchain
	if !p.breaker.Allow(key) {
		return fmt.Errorf("rpc circuit open for %s", p.config.Blockchain)
	}

	currentBlock, err := p.client.BlockNumber(ctx)
	if err != nil {
		p.breaker.RecordFailure(key)
		return fmt.Errorf("failed to get block number: %w", err)
	}

	if currentBlock <= p.lastBlock {
		p.breaker.RecordSuccess(key)
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(p.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{p.config.TokenContract},
		Topics:    [][]common.Hash{{transferEventSig}},
	}

	logs, err := p.client.FilterLogs(ctx, query)
	if err != nil {
		p.breaker.RecordFailure(key)
		return fmt.Errorf("failed to filter logs: %w", err)
	}
	p.breaker.RecordSuccess(key)

	for _, vLog := range logs {
		if err := p.processTransfer(ctx, vLog); err != nil {
			p.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	p.lastBlock = currentBlock
	return nil
}

func (p *EthereumPoller) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	p.mu.Lock()
	if p.processed[txHash] {
		p.mu.Unlock()
		return nil
	}
	p.processed[txHash] = true
	p.mu.Unlock()

	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("%w: short transfer event", ErrMalformed)
	}

	from := common.HexToAddress(vLog.Topics[1].Hex())
	to := common.HexToAddress(vLog.Topics[2].Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	tx := Transaction{
		Blockchain:  p.config.Blockchain,
		Hash:        txHash,
		FromAddress: NormalizeAddress(from.Hex()),
		ToAddress:   NormalizeAddress(to.Hex()),
		Value:       tokenUnits(amount, p.config.TokenDecimals),
		Timestamp:   time.Now(),
		Status:      "confirmed",
	}
	if err := tx.Validate(); err != nil {
		return err
	}

	p.handler(ctx, tx)
	return nil
}

// tokenUnits converts a raw token amount to a float64 in whole-token units.
func tokenUnits(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	return f / math.Pow10(decimals)
}
