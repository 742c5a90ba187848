package console

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func Exit(code int, msg string, args ...interface{}) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}

// ExitErr reports err in red after msg.
func ExitErr(code int, msg string, err error) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf("%s: %s", msg, Red(err)), code)
}
