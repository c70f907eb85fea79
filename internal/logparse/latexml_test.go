package logparse_test

import (
	"strings"
	"testing"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/logparse"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	log := strings.Join([]string{
		"(Loading /usr/share/latexml/LaTeXML.pool)",
		"Warning:expected:token Missing close brace",
		"\tat paper.tex; line 12 col 4",
		"\tIn Core::Gullet",
		"",
		"Error:undefined:\\foo The token \\foo is not defined.",
		"fatal:invalid:document Document is empty",
		"Info:note:rewrite",
		"Conversion complete: 1 warning; 1 error",
	}, "\n")

	msgs := logparse.Parse(log)
	require.Len(t, msgs, 4)

	require.Equal(t, domain.SeverityWarning, msgs[0].Severity)
	require.Equal(t, "expected", msgs[0].Category)
	require.Equal(t, "token", msgs[0].What)
	require.Equal(t, "Missing close brace\n\tat paper.tex; line 12 col 4\n\tIn Core::Gullet", msgs[0].Details)
	require.EqualValues(t, 1, msgs[0].Seq)

	require.Equal(t, domain.SeverityError, msgs[1].Severity)
	require.Equal(t, `\foo`, msgs[1].What)

	require.Equal(t, domain.SeverityInvalid, msgs[2].Severity)
	require.Equal(t, "document", msgs[2].Category)
	require.Equal(t, "all", msgs[2].What)

	require.Equal(t, domain.SeverityInfo, msgs[3].Severity)
	require.Empty(t, msgs[3].Details)
	require.EqualValues(t, 4, msgs[3].Seq)
}

func TestParse_Truncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)
	log := "error:" + long + ":" + long + " " + strings.Repeat("d", 1990) + "\n\t" + strings.Repeat("e", 50) + "\x00"

	msgs := logparse.Parse(log)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Category, domain.MaxShortField)
	require.Len(t, msgs[0].What, domain.MaxShortField)
	require.Len(t, []rune(msgs[0].Details), domain.MaxDetailsField)
	require.NotContains(t, msgs[0].Details, "\x00")
}

func TestParse_UnknownSeverityIsInfo(t *testing.T) {
	t.Parallel()

	msgs := logparse.Parse("Status:conversion:3 done")
	require.Len(t, msgs, 1)
	require.Equal(t, domain.SeverityInfo, msgs[0].Severity)
	require.Equal(t, domain.StatusNoProblem, domain.StatusFromMessages(msgs))
}
