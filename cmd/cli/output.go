package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/sharescan/internal/index"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/smbclient"
)

// progressPrinter renders a job's progress stream as status lines, or as one
// JSON object per message.
type progressPrinter struct {
	out    io.Writer
	json   bool
	alive  int
	shares []scanning.ShareResult
}

func newProgressPrinter(out io.Writer, jsonLines bool) *progressPrinter {
	return &progressPrinter{out: out, json: jsonLines}
}

func (p *progressPrinter) handle(m scanning.ProgressMessage) {
	switch m.Type {
	case scanning.MessageHostFound:
		if m.Host != nil && m.Host.Alive {
			p.alive++
		}
	case scanning.MessageShareFound:
		if m.Share != nil {
			p.shares = append(p.shares, *m.Share)
		}
	}

	if p.json {
		_ = json.NewEncoder(p.out).Encode(m)
		return
	}

	switch m.Type {
	case scanning.MessageStageChanged:
		switch m.Stage {
		case scanning.StagePortScanning:
			fmt.Fprintln(p.out, "[*] Stage 1: probing SMB port")
		case scanning.StageEnumerating:
			fmt.Fprintf(p.out, "[*] Stage 2: enumerating shares on %d live hosts\n", p.alive)
		}
	case scanning.MessageHostFound:
		if m.Host != nil && m.Host.Alive {
			fmt.Fprintf(p.out, "[+] %s alive\n", m.Host.Address)
		}
	case scanning.MessageShareFound:
		fmt.Fprintf(p.out, "    \\\\%s\\%s [%s]\n", m.Share.Host, m.Share.Share, m.Share.Permission.Label())
	case scanning.MessageHostEnumerated:
		if m.Progress != nil {
			fmt.Fprintf(p.out, "[*] Enumerating (%d/%d)\n", m.Progress.Done, m.Progress.Total)
		}
	case scanning.MessageJobDone:
		fmt.Fprintf(p.out, "[*] Scan completed in %s\n", m.Summary.Duration())
	case scanning.MessageJobCancelled:
		fmt.Fprintln(p.out, "[-] Scan cancelled")
	case scanning.MessageJobFailed:
		fmt.Fprintf(p.out, "[-] Scan failed: %s: %s\n", m.Error.Code, m.Error.Message)
	}
}

// summary renders found shares as a table, ordered by host then share.
func (p *progressPrinter) summary(s *scanning.Summary) error {
	if p.json {
		return nil
	}

	rows := append([]scanning.ShareResult(nil), p.shares...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Host != rows[j].Host {
			return rows[i].Host < rows[j].Host
		}
		return rows[i].Share < rows[j].Share
	})

	if len(rows) > 0 {
		fmt.Fprintln(p.out)
		table := tablewriter.NewWriter(p.out)
		table.Header("Host", "Share", "Permissions")
		for _, r := range rows {
			if err := table.Append([]string{r.Host, r.Share, r.Permission.Label()}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if s != nil {
		fmt.Fprintf(p.out, "\nHosts probed: %d  Alive: %d  Enumerated: %d  Shares: %d\n",
			s.HostsProbed, s.HostsAlive, s.HostsEnumerated, s.SharesFound)
	}
	return nil
}

// renderListing prints a directory listing.
func renderListing(out io.Writer, entries []smbclient.Entry) error {
	table := tablewriter.NewWriter(out)
	table.Header("Name", "Type", "Size", "Modified")
	for _, e := range entries {
		kind, size := "file", strconv.FormatInt(e.Size, 10)
		if e.IsDir {
			kind, size = "dir", ""
		}
		modified := ""
		if !e.ModTime.IsZero() {
			modified = e.ModTime.Format("2006-01-02 15:04")
		}
		if err := table.Append([]string{e.Name, kind, size, modified}); err != nil {
			return err
		}
	}
	return table.Render()
}

// renderMatches prints search hits for one keyword.
func renderMatches(out io.Writer, keyword string, entries []index.Entry) error {
	fmt.Fprintf(out, "[*] %q: %d matches\n", keyword, len(entries))
	if len(entries) == 0 {
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("Path", "Size")
	for _, e := range entries {
		size := ""
		if e.Size != nil {
			size = strconv.FormatInt(*e.Size, 10)
		}
		if e.IsDir {
			size = "<dir>"
		}
		if err := table.Append([]string{e.Path, size}); err != nil {
			return err
		}
	}
	return table.Render()
}
