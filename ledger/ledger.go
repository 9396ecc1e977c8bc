package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const genesisPrevHash = "0"

// Ledger is an append-only, hash-chained log of validations.
type Ledger struct {
	mu     sync.RWMutex
	nodeID string
	blocks []Block
}

// New creates a ledger holding only the genesis block. nodeID is recorded
// as the committer of every appended block.
func New(nodeID string) *Ledger {
	l := &Ledger{nodeID: nodeID}
	genesis := Block{
		Index:     0,
		Timestamp: time.Now().Unix(),
		PrevHash:  genesisPrevHash,
		Metadata:  Metadata{CommittedBy: nodeID},
	}
	genesis.Hash = calculateHash(genesis)
	l.blocks = append(l.blocks, genesis)
	return l
}

// Append adds a block recording v. The extra parameter can optionally carry
// additional metadata.
func (l *Ledger) Append(v Validation, extra ...map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var extraMeta map[string]string
	if len(extra) > 0 {
		extraMeta = extra[0]
	}
	latest := l.blocks[len(l.blocks)-1]
	block := Block{
		Index:     latest.Index + 1,
		Timestamp: time.Now().Unix(),
		PrevHash:  latest.Hash,
		Record:    v,
		Metadata: Metadata{
			CommittedBy: l.nodeID,
			Extra:       extraMeta,
		},
	}
	block.Hash = calculateHash(block)

	if err := validateBlock(block, latest); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	l.blocks = append(l.blocks, block)
	return nil
}

// Len returns the number of recorded validations, genesis excluded.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks) - 1
}

// GetLatest returns the most recently added block.
func (l *Ledger) GetLatest() (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.blocks) == 0 {
		return Block{}, fmt.Errorf("ledger is empty")
	}
	return l.blocks[len(l.blocks)-1], nil
}

// GetByIndex returns the block at index.
func (l *Ledger) GetByIndex(index int) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= len(l.blocks) {
		return Block{}, fmt.Errorf("index %d out of range", index)
	}
	return l.blocks[index], nil
}

// Verify checks the genesis block and the hash and index continuity of every
// following block.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.blocks)
}

// Export writes the chain as JSON.
func (l *Ledger) Export(w io.Writer) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l.blocks)
}

// Import reads a chain written by Export and verifies it.
func Import(r io.Reader) (*Ledger, error) {
	var blocks []Block
	if err := json.NewDecoder(r).Decode(&blocks); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	if err := verifyChain(blocks); err != nil {
		return nil, err
	}
	return &Ledger{nodeID: blocks[0].Metadata.CommittedBy, blocks: blocks}, nil
}

func verifyChain(blocks []Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("empty ledger")
	}
	genesis := blocks[0]
	if genesis.PrevHash != genesisPrevHash || genesis.Hash != calculateHash(genesis) {
		return fmt.Errorf("invalid genesis block")
	}
	for i := 1; i < len(blocks); i++ {
		if err := validateBlock(blocks[i], blocks[i-1]); err != nil {
			return fmt.Errorf("block %d invalid: %w", i, err)
		}
	}
	return nil
}

// validateBlock verifies that current correctly follows previous.
func validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}
	expected := calculateHash(current)
	if current.Hash != expected {
		return fmt.Errorf("invalid hash: expected %s, got %s", expected, current.Hash)
	}
	return nil
}

// calculateHash computes the SHA256 of a block over every field but Hash.
func calculateHash(block Block) string {
	recordBytes, _ := json.Marshal(block.Record)
	metaBytes, _ := json.Marshal(block.Metadata)

	data := fmt.Sprintf("%d%d%s%s%s",
		block.Index,
		block.Timestamp,
		block.PrevHash,
		string(recordBytes),
		string(metaBytes),
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
