package main

import "github.com/andresmejia3/mirage/cmd"

func main() {
	cmd.Execute()
}
