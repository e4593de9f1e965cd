package main

import "github.com/cbyrne/betterinject/pkg/cmd/betterinject"

func main() {
	betterinject.Execute()
}
