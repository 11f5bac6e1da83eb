// Package models holds the wire-visible domain types shared by the gateway,
// the caches, and the database layer: snowflake ids, permission bitsets,
// intents, and user flags.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	sf "github.com/bwmarrin/snowflake"
)

// LanternEpoch is the millisecond offset applied to all snowflake
// timestamps (2019-02-14 00:00 UTC).
const LanternEpoch = 1550102400000

// Snowflake is a 64-bit id embedding a millisecond timestamp in its upper
// 42 bits, offset by LanternEpoch. The zero value is invalid everywhere.
type Snowflake uint64

var genOnce sync.Once

// NewSnowflakeGen returns a generator producing monotonic snowflakes for
// the given node. Node ids must be stable per process in a cluster.
func NewSnowflakeGen(node int64) (*SnowflakeGen, error) {
	genOnce.Do(func() { sf.Epoch = LanternEpoch })

	n, err := sf.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &SnowflakeGen{node: n}, nil
}

// SnowflakeGen wraps a snowflake node.
type SnowflakeGen struct {
	node *sf.Node
}

// Next returns a fresh snowflake.
func (g *SnowflakeGen) Next() Snowflake {
	return Snowflake(g.node.Generate().Int64())
}

// IsValid reports whether the snowflake is non-zero.
func (s Snowflake) IsValid() bool { return s != 0 }

// RawTimestamp returns milliseconds since LanternEpoch.
func (s Snowflake) RawTimestamp() uint64 { return uint64(s) >> 22 }

// EpochMillis returns milliseconds since the UNIX epoch.
func (s Snowflake) EpochMillis() uint64 { return s.RawTimestamp() + LanternEpoch }

// Time returns the embedded creation time.
func (s Snowflake) Time() time.Time {
	return time.UnixMilli(int64(s.EpochMillis())).UTC()
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// ParseSnowflake parses a decimal snowflake, rejecting zero.
func ParseSnowflake(str string) (Snowflake, error) {
	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("snowflake must be non-zero")
	}
	return Snowflake(v), nil
}

// Snowflakes cross the wire as decimal strings so JavaScript clients do not
// mangle them as floats.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		// Tolerate bare integers from older clients.
		var v uint64
		if err2 := json.Unmarshal(data, &v); err2 != nil {
			return err
		}
		*s = Snowflake(v)
		return nil
	}
	v, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Int64 returns the id reinterpreted for database storage.
func (s Snowflake) Int64() int64 { return int64(s) }

// SnowflakeFromInt64 converts a stored id back.
func SnowflakeFromInt64(v int64) Snowflake { return Snowflake(uint64(v)) }
