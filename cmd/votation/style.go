package main

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/luca-patrignani/code-votation/consensus"
	"github.com/luca-patrignani/code-votation/verifier"
)

func printBanner() {
	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("C", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("ode ", pterm.FgDarkGray.ToStyle()),
		putils.LettersFromStringWithStyle("V", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("otation", pterm.FgDarkGray.ToStyle()),
	).Render()
}

// resultTitle returns the box title of a scan result.
func resultTitle(res consensus.ScanResult) string {
	switch res.Verification {
	case verifier.Valid:
		return pterm.LightGreen("|VALID|")
	case verifier.NotValid:
		return pterm.LightRed("|NOT VALID|")
	default:
		return pterm.LightYellow("|UNKNOWN|")
	}
}

// resultBody returns the lines shown in the box of a scan result.
func resultBody(res consensus.ScanResult) string {
	body := pterm.Sprintfln("Code: %s", pterm.LightCyan(res.Code))
	if res.Name != "" {
		body += pterm.Sprintfln("Name: %s", res.Name)
	}
	if res.Type != "" {
		body += pterm.Sprintfln("Type: %s", res.Type)
	}
	if res.Message != "" {
		body += pterm.Sprintfln("%s", res.Message)
	}
	return body
}

func printResult(res consensus.ScanResult) {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	pbox.WithTitle(resultTitle(res)).WithTitleTopCenter().Println(resultBody(res))
}

func printStatus(online bool, pending int) {
	if online {
		pterm.Success.Printfln("Online, %d offline scans to reconcile", pending)
		return
	}
	pterm.Warning.Println("Offline, scans are validated locally")
}
