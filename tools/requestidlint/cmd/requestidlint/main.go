package main

import (
	"github.com/flyingrobots/media-convert-orchestrator/tools/requestidlint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(requestidlint.Analyzer)
}
