/*
Package cli holds the helpers shared by the aegis commands: output
formatting, exit codes and signal handling.

Results that render as rows implement Table and can be printed as aligned
text, CSV or JSON:

	f := cli.NewFormatter(cli.FormatCSV)
	if err := f.FormatTo(os.Stdout, snapshots); err != nil {
		return err
	}

Commands report failures as a CommandError. Its Code becomes the process
exit status, so a denied evaluation exits with ExitDenied.

Long-running commands cancel their work on SIGINT or SIGTERM:

	ctx := cli.SetupSignalHandler(context.Background())
*/
package cli
