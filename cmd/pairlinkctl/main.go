// Command pairlinkctl pairs, runs and inspects pairlink sessions.
package main

func main() {
	Execute()
}
