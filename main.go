package main

import "github.com/KatelynHaworth/blob-carver/internal/cmd"

func main() {
	cmd.Execute()
}
