package log

import (
	"testing"

	"gitlab.com/sit/sit/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
