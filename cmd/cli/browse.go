package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/sharescan/internal/browse"
	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/index"
	"github.com/anstrom/sharescan/internal/logging"
)

// browseOptions holds the flags shared by the browse subcommands.
type browseOptions struct {
	proxy proxyValue
	creds credentialFlags
	port  int
}

var browseOpts browseOptions

// browseCmd groups the share browsing commands.
var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "List and search the contents of a share",
	Long: `Browse opens a session on one share of one host.

'ls' lists a directory. 'search' walks the whole share once, then matches
every keyword against the resulting index.`,
	Example: `  sharescan browse ls 10.0.0.5 public
  sharescan browse ls 10.0.0.5 public 'reports\2024'
  sharescan browse search 10.0.0.5 public password .kdbx backup -u alice -p secret`,
}

var browseLsCmd = &cobra.Command{
	Use:   "ls HOST SHARE [PATH]",
	Short: "List a directory of a share",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runBrowseLs,
}

var browseSearchCmd = &cobra.Command{
	Use:   "search HOST SHARE KEYWORD...",
	Short: "Search a share for paths containing any keyword",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runBrowseSearch,
}

func init() {
	rootCmd.AddCommand(browseCmd)
	browseCmd.AddCommand(browseLsCmd)
	browseCmd.AddCommand(browseSearchCmd)

	pf := browseCmd.PersistentFlags()
	pf.Var(&browseOpts.proxy, "proxy", "SOCKS5 proxy: a configured name or host:port")
	browseOpts.creds.register(pf)
	pf.IntVar(&browseOpts.port, "port", 0, "SMB port (default from config, 445)")
}

// openSession opens a browse session and returns it with its manager.
func (o *browseOptions) openSession(ctx context.Context, cfg *config.Config, host, share string) (*browse.Manager, *browse.Session, error) {
	proxy, err := o.proxy.Resolve(cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.Default()
	cache := index.NewCache(cfg.Browse, cliRecorder(cfg), logger)
	manager := browse.NewManager(cfg, cache, browse.WithLogger(logger))

	session, err := manager.Open(ctx, browse.OpenRequest{
		Host:        host,
		Port:        o.port,
		Share:       share,
		Credentials: o.creds.credentials(),
		Proxy:       proxy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening \\\\%s\\%s: %w", host, share, err)
	}
	return manager, session, nil
}

func runBrowseLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, session, err := browseOpts.openSession(ctx, cfg, args[0], args[1])
	if err != nil {
		return err
	}
	defer manager.CloseAll()

	dir := ""
	if len(args) == 3 {
		dir = args[2]
	}
	entries, err := session.ListDirectory(ctx, dir)
	if err != nil {
		return err
	}
	return renderListing(cmd.OutOrStdout(), entries)
}

func runBrowseSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, session, err := browseOpts.openSession(ctx, cfg, args[0], args[1])
	if err != nil {
		return err
	}
	defer manager.CloseAll()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "[*] Indexing \\\\%s\\%s\n", args[0], args[1])
	return searchKeywords(ctx, session, args[2:], out)
}

// searcher is the part of a browse session search needs.
type searcher interface {
	Search(ctx context.Context, keyword string) ([]index.Entry, error)
}

// searchKeywords runs every keyword against the session's index. The first
// search builds the index; the rest reuse it.
func searchKeywords(ctx context.Context, s searcher, keywords []string, out io.Writer) error {
	total := 0
	for _, kw := range keywords {
		entries, err := s.Search(ctx, kw)
		if err != nil {
			return fmt.Errorf("searching for %s: %w", strconv.Quote(kw), err)
		}
		total += len(entries)
		if err := renderMatches(out, kw, entries); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "[*] %d matches for %d keywords\n", total, len(keywords))
	return nil
}
