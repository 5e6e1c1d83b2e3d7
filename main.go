package main

import (
	"github.com/xkilldash9x/steadyhand/cmd"
)

func main() {
	cmd.Execute()
}
