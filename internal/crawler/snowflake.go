package crawler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DiscordEpoch is the first millisecond encoded by a snowflake (2015-01-01T00:00:00Z).
const DiscordEpoch int64 = 1420070400000

// Snowflake is a time-ordered 64-bit identifier. A larger value always means a
// later creation time, so unsigned ordering is also chronological ordering.
type Snowflake uint64

// ParseSnowflake parses the decimal string form used by the API.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

// String returns the decimal representation.
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Time returns the creation time encoded in the upper 42 bits.
func (s Snowflake) Time() time.Time {
	ms := int64(uint64(s)>>22) + DiscordEpoch
	return time.UnixMilli(ms).UTC()
}

// Int64 converts the id for storage in a signed bigint column. Snowflakes stay
// below 2^63 until 2084; larger values are reported as an error instead of
// wrapping and breaking ordering.
func (s Snowflake) Int64() (int64, error) {
	if uint64(s) > math.MaxInt64 {
		return 0, fmt.Errorf("snowflake %d overflows bigint", uint64(s))
	}
	return int64(s), nil
}

// SnowflakeFromInt64 is the inverse of Int64 for values read back from storage.
func SnowflakeFromInt64(v int64) Snowflake {
	if v < 0 {
		return 0
	}
	return Snowflake(v)
}

// MarshalJSON encodes the id as a JSON string, matching the API.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts both the string form and a bare number.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = 0
		return nil
	}
	var str string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("decode snowflake: %w", err)
		}
	} else {
		str = string(data)
	}
	v, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MaxSnowflake returns the largest id among the messages, or 0 for an empty slice.
func MaxSnowflake(messages []Message) Snowflake {
	var highest Snowflake
	for _, m := range messages {
		if m.ID > highest {
			highest = m.ID
		}
	}
	return highest
}
