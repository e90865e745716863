// Package chain watches the deployed LooperVault contract and turns its logs
// into origin signals.
package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

const vaultEventsJSON = `[
{"type":"event","name":"LoopRequested","anonymous":false,"inputs":[{"indexed":true,"name":"user","type":"address"},{"indexed":false,"name":"initialAmount","type":"uint256"},{"indexed":false,"name":"targetLTV","type":"uint256"},{"indexed":false,"name":"timestamp","type":"uint256"}]},
{"type":"event","name":"LoopStepCompleted","anonymous":false,"inputs":[{"indexed":true,"name":"user","type":"address"},{"indexed":false,"name":"loopNumber","type":"uint256"},{"indexed":false,"name":"borrowed","type":"uint256"},{"indexed":false,"name":"swapped","type":"uint256"},{"indexed":false,"name":"supplied","type":"uint256"},{"indexed":false,"name":"currentLTV","type":"uint256"}]},
{"type":"event","name":"LoopingCompleted","anonymous":false,"inputs":[{"indexed":true,"name":"user","type":"address"},{"indexed":false,"name":"finalLTV","type":"uint256"},{"indexed":false,"name":"totalLoops","type":"uint256"},{"indexed":false,"name":"totalCollateral","type":"uint256"},{"indexed":false,"name":"totalDebt","type":"uint256"}]}
]`

// VaultABI holds the LooperVault event definitions.
var VaultABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(vaultEventsJSON))
	if err != nil {
		panic("chain: invalid vault abi: " + err.Error())
	}
	return parsed
}()

// Topics returns the topic0 of every watched event.
func Topics() []common.Hash {
	return []common.Hash{
		VaultABI.Events["LoopRequested"].ID,
		VaultABI.Events["LoopStepCompleted"].ID,
		VaultABI.Events["LoopingCompleted"].ID,
	}
}

// idSpace namespaces log-derived event IDs.
var idSpace = uuid.MustParse("7d1b3f0e-5c59-4c1e-9a0b-6b7f3d2a9e41")

// LogID derives a stable event ID from a log's position, so a block range
// that is scanned twice yields the same signals.
func LogID(l types.Log) string {
	return uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index))).String()
}

// decoded is one vault log in domain terms, before per-user state is applied.
type decoded struct {
	kind domain.EventKind
	user string

	initialAmount decimal.Decimal
	targetLTV     int64
	requestedAt   int64

	loopNumber int
	borrowed   decimal.Decimal
	swapped    decimal.Decimal
	supplied   decimal.Decimal
	ltv        int64

	totalCollateral decimal.Decimal
	totalDebt       decimal.Decimal
}

// decodeLog parses a LooperVault log. Unknown topics return ok=false.
func decodeLog(l types.Log) (decoded, bool, error) {
	if len(l.Topics) < 2 {
		return decoded{}, false, nil
	}
	ev, err := VaultABI.EventByID(l.Topics[0])
	if err != nil {
		return decoded{}, false, nil
	}
	values, err := ev.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return decoded{}, false, fmt.Errorf("chain: unpack %s: %w", ev.Name, err)
	}
	nums := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return decoded{}, false, fmt.Errorf("chain: %s field %d is %T", ev.Name, i, v)
		}
		nums[i] = n
	}

	d := decoded{
		kind: domain.EventKind(ev.Name),
		user: strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
	}
	switch d.kind {
	case domain.EventLoopRequested:
		d.initialAmount = decimal.NewFromBigInt(nums[0], 0)
		d.targetLTV = nums[1].Int64()
		d.requestedAt = nums[2].Int64()
	case domain.EventLoopStepCompleted:
		d.loopNumber = int(nums[0].Int64())
		d.borrowed = decimal.NewFromBigInt(nums[1], 0)
		d.swapped = decimal.NewFromBigInt(nums[2], 0)
		d.supplied = decimal.NewFromBigInt(nums[3], 0)
		d.ltv = nums[4].Int64()
	case domain.EventLoopingCompleted:
		d.ltv = nums[0].Int64()
		d.loopNumber = int(nums[1].Int64())
		d.totalCollateral = decimal.NewFromBigInt(nums[2], 0)
		d.totalDebt = decimal.NewFromBigInt(nums[3], 0)
	}
	return d, true, nil
}

// requestTime converts the on-chain request timestamp, falling back to now.
func requestTime(unix int64, now time.Time) time.Time {
	if unix <= 0 {
		return now
	}
	return time.Unix(unix, 0).UTC()
}
