package customers

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// NewCustomerNo returns "CUS" + the last 8 digits of the unix millisecond
// clock + 3 random digits.
func NewCustomerNo(now time.Time) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > 8 {
		ms = ms[len(ms)-8:]
	}
	return fmt.Sprintf("CUS%s%03d", ms, rand.Intn(1000))
}
