package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/output"
)

// One reader for all line prompts; separate readers would each buffer
// part of stdin.
var stdin = bufio.NewReader(os.Stdin)

var errAborted = errors.New("aborted")

// promptForPassword prompts the user for a password without echoing
func promptForPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine()
	}

	password, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// promptForNewPassword asks twice and insists on a match
func promptForNewPassword() (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		password, err := promptForPassword("New password: ")
		if err != nil {
			return "", err
		}
		if password == "" {
			fmt.Println("The password cannot be empty.")
			continue
		}
		confirm, err := promptForPassword("Repeat password: ")
		if err != nil {
			return "", err
		}
		if password == confirm {
			return password, nil
		}
		fmt.Println("Passwords do not match.")
	}
	return "", errAborted
}

func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	return readLine()
}

// confirm asks a yes/no question; anything but y/yes is no
func confirm(prompt string) bool {
	answer, err := promptLine(prompt + " [y/N]: ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// resolveConflicts walks the user through every conflict. Each one is
// either edited down to the limit or kept on this device only.
func resolveConflicts(f *output.Formatter, conflicts []conflict.Conflict) (map[string]conflict.Resolution, error) {
	resolutions := make(map[string]conflict.Resolution, len(conflicts))
	if len(conflicts) == 0 {
		return resolutions, nil
	}

	f.Warning("%d entries exceed what the relay accepts", len(conflicts))
	for i, c := range conflicts {
		f.Conflict(i+1, len(conflicts), c)
		res, err := askResolution(c)
		if err != nil {
			return nil, err
		}
		resolutions[c.Key()] = res
	}
	return resolutions, nil
}

func askResolution(c conflict.Conflict) (conflict.Resolution, error) {
	for {
		choice, err := promptLine("  [e]dit, [k]eep on this device only, [a]bort: ")
		if err != nil {
			return conflict.Resolution{}, err
		}

		switch strings.ToLower(strings.TrimSpace(choice)) {
		case "k", "keep":
			return conflict.KeepLocal(), nil
		case "a", "abort":
			return conflict.Resolution{}, errAborted
		case "e", "edit":
			content, err := promptLine(fmt.Sprintf("  Replacement (at most %d characters): ", c.Limit()))
			if err != nil {
				return conflict.Resolution{}, err
			}
			res := conflict.Edit(content)
			if err := conflict.Validate(c, res); err != nil {
				fmt.Println(" ", err)
				continue
			}
			return res, nil
		}
	}
}
