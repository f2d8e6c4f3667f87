// Command dftpd runs a single node of a dftp cluster: a registry, auth,
// storage, routing, or processing role, chosen by subcommand. A cluster is
// formed by running several dftpd processes (of any mix of roles) that can
// all reach each other's control port over the configured subnet.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
