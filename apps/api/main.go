package main

import (
	"github.com/smallbiznis/creditmeter/internal/bootstrap"
	"go.uber.org/fx"
)

func main() {
	fx.New(bootstrap.API(bootstrap.Options{Migrate: true})).Run()
}
