// Command hive plans goals into task graphs and runs them across a pool of
// model-backed workers.
package main

func main() {
	Execute()
}
