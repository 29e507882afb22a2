package cmd

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orrn/spoold/internal/client"
	"github.com/orrn/spoold/internal/logging"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit -P queue@host [file...]",
		Short: "Send files to a remote queue as one job",
		Long:  "Send files to a remote queue as one job. Standard input is sent when no file is named.",
		// The client must work without a daemon configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, args)
		},
	}
	flags := cmd.Flags()
	flags.StringP("printer", "P", "", "Destination queue@host[:port] (env SPOOLD_PRINTER)")
	flags.StringP("user", "U", "", "Submitting user, defaults to the login name")
	flags.StringP("job-name", "J", "", "Job name, defaults to the first file name")
	flags.StringP("class", "C", "", "Job class")
	flags.StringP("title", "T", "", "Title for pr formatting")
	flags.StringP("mail", "m", "", "Mail the outcome to this user")
	flags.String("priority", "A", "Priority letter A-Z")
	flags.String("format", "f", "Format letter of the data files")
	flags.Bool("raw", false, "Send data files unfiltered (format l)")
	flags.IntP("copies", "K", 1, "Copies of each file")
	flags.Bool("control-first", true, "Send the control file before the data files")
	flags.Bool("block", false, "Send the job as one block")
	flags.String("auth", "", "Authenticated transfer method (hmac)")
	flags.String("auth-user", "", "Identity for authenticated transfer")
	flags.String("secret", "", "Shared secret for hmac transfer (env SPOOLD_SECRET)")
	flags.Uint("retries", 3, "Connection attempts")
	flags.Duration("retry-delay", time.Second, "Delay before the first connection retry")
	flags.Duration("timeout", 30*time.Second, "I/O timeout")
	flags.BoolP("verbose", "v", false, "Print transfer status lines")
	return cmd
}

func letter(name string) (byte, error) {
	v := viper.GetString(name)
	if len(v) != 1 {
		return 0, errors.Errorf("--%s must be a single letter", name)
	}
	return v[0], nil
}

func submit(cmd *cobra.Command, args []string) error {
	logger := log.New()
	logger.SetFormatter(&logging.PlainFormatter{})
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(log.WarnLevel)
	if viper.GetBool("verbose") {
		logger.SetLevel(log.DebugLevel)
	}

	printer := viper.GetString("printer")
	if printer == "" {
		return errors.New("no destination, use -P queue@host")
	}
	priority, err := letter("priority")
	if err != nil {
		return err
	}
	format, err := letter("format")
	if err != nil {
		return err
	}
	if viper.GetBool("raw") {
		format = 'l'
	}

	opts := client.Options{
		Printer:      printer,
		User:         viper.GetString("user"),
		JobName:      viper.GetString("job-name"),
		Class:        viper.GetString("class"),
		Title:        viper.GetString("title"),
		MailTo:       viper.GetString("mail"),
		Priority:     priority,
		Format:       format,
		Copies:       viper.GetInt("copies"),
		ControlFirst: viper.GetBool("control-first"),
		Block:        viper.GetBool("block"),
		AuthMethod:   viper.GetString("auth"),
		AuthUser:     viper.GetString("auth-user"),
		Secret:       viper.GetString("secret"),
		Retries:      viper.GetUint("retries"),
		RetryDelay:   viper.GetDuration("retry-delay"),
		Timeout:      viper.GetDuration("timeout"),
		Log:          log.NewEntry(logger),
	}
	if opts.User == "" {
		if u, err := user.Current(); err == nil {
			opts.User = u.Username
		}
	}
	if opts.AuthUser == "" {
		opts.AuthUser = opts.User
	}
	if opts.Host, err = os.Hostname(); err != nil {
		opts.Host = "localhost"
	}

	var files []client.File
	for _, path := range args {
		files = append(files, client.File{Path: path})
	}
	if len(files) == 0 {
		tmp, err := spoolStdin(cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer os.Remove(tmp)
		files = append(files, client.File{Path: tmp, Name: "(stdin)"})
	}

	j, err := client.Submit(cmd.Context(), opts, files)
	if err != nil {
		return errors.Wrapf(err, "%s", printer)
	}
	logger.Debugf("job %s queued on %s", j.ID(), printer)
	if viper.GetBool("verbose") {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d file(s), %d bytes\n", j.ID(), len(j.DataFiles), j.TotalSize())
	}
	return nil
}

func spoolStdin(r io.Reader) (string, error) {
	f, err := os.CreateTemp("", "spoold-submit-*")
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", errors.WithStack(err)
	}
	return f.Name(), nil
}
