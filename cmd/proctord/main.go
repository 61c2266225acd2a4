// proctord watches proctored exam pages for misconduct signals.
//
// Usage:
//
//	proctord serve                      run the daemon
//	proctord replay script.jsonl        replay a scripted session offline
//	proctord violations --exam <id>     list recorded violations
//	proctord config init|show           write or print the configuration
//	proctord version                    print the version
package main

var version = "dev"

func main() {
	Execute(version)
}
