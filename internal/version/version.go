package version

import (
	"fmt"
	"strconv"
	"time"
)

// Set through -ldflags at release build time.
var (
	Number       string
	Revision     string
	RevisionTime string
)

func String() (string, error) {
	if Number == "" {
		return "tcpplus: development build", nil
	}
	if Revision == "" {
		return "", fmt.Errorf("version %s is missing a revision", Number)
	}

	return fmt.Sprintf("tcpplus: v%s-%s", Number, Revision), nil
}

func HumanRevisionTime() string {
	secs, err := strconv.ParseInt(RevisionTime, 10, 64)
	if err != nil {
		return ""
	}

	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}
