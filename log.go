package httpclient

import (
	"log/slog"
	"os"

	"github.com/prxssh/httpclient/pkg/logging"
)

var defaultLogWriter = os.Stderr

var debugLogOptions = logging.Options{
	Level:          slog.LevelDebug,
	UseColor:       true,
	ShowSource:     true,
	TimeFormat:     "15:04:05.000",
	LevelWidth:     7,
	FieldSeparator: " | ",
	MaxFieldLength: 1024,
}
