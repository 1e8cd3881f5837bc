package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"astralcore.app/crisis/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
