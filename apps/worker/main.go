package main

import (
	"github.com/smallbiznis/creditmeter/internal/bootstrap"
	"go.uber.org/fx"
)

func main() {
	fx.New(bootstrap.Worker(bootstrap.Options{})).Run()
}
