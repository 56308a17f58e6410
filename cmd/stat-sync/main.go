// Command stat-sync is the CLI for the statistics client: fetch resources,
// sweep the metadata cache, and run update checks from the command line.
package main

func main() {
	Execute()
}
