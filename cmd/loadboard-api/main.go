package main

import "context"

func main() {
	app := mustBootstrapLoadboardAPI()
	defer app.Close()

	if err := app.Run(); err != nil && err != context.Canceled {
		panic(err)
	}
}
