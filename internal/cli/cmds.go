package cli

func regCommands() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tokenCmd)
}
