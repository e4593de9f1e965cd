package betterinject

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
	"github.com/urfave/cli/v2"

	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
)

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "Print the methods of a class file",
		ArgsUsage: "<file.class>",
		Description: `Print a listing of a class file, e.g. to check the result of a weave.
Instructions inserted by betterinject are not marked once written, compare
the listing with the one of the input class instead.

	betterinject dump --method foo build/woven/app/Target.class`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"m"},
				Usage:   "Only print methods with this name",
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Dump the parsed class structure instead of a listing",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one class file", 1)
			}
			b, err := os.ReadFile(c.Args().First())
			if err != nil {
				return cli.Exit(err, 1)
			}
			cls, err := classfile.Parse(b)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if c.Bool("raw") {
				spew.Fdump(c.App.Writer, cls)
				return nil
			}
			if err = dumpClass(c.App.Writer, cls, c.String("method")); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}

func dumpClass(w io.Writer, cls *classfile.Class, method string) error {
	header := color.Bold.Sprint(cls.Name())
	if super := cls.SuperName(); super != "" {
		header += " extends " + super
	}
	if itfs := cls.InterfaceNames(); len(itfs) != 0 {
		header += " implements " + strings.Join(itfs, ", ")
	}
	_, err := fmt.Fprintf(w, "%s\n  version %d.%d access %s\n", header,
		cls.Major, cls.Minor, accessString(cls.Access, classAccess))
	if err != nil {
		return err
	}

	for _, m := range cls.Methods {
		if method != "" && m.Name != method {
			continue
		}
		_, err = fmt.Fprintf(w, "\n%s %s\n", color.Cyan.Sprint(m.Key()), color.Gray.Sprint(accessString(m.Access, methodAccess)))
		if err != nil {
			return err
		}
		code, err := m.Code(cls.Pool)
		if err != nil {
			return fmt.Errorf("method %s: %w", m.Key(), err)
		}
		if code == nil {
			continue
		}
		bm, err := bytecode.Decode(code)
		if err != nil {
			return fmt.Errorf("method %s: %w", m.Key(), err)
		}
		if err = bytecode.Fprint(w, bm, cls.Pool); err != nil {
			return err
		}
	}
	return nil
}

type accessName struct {
	flag uint16
	name string
}

var classAccess = []accessName{
	{classfile.AccPublic, "public"},
	{classfile.AccFinal, "final"},
	{classfile.AccSuper, "super"},
	{classfile.AccInterface, "interface"},
	{classfile.AccAbstract, "abstract"},
	{classfile.AccSynthetic, "synthetic"},
	{classfile.AccAnnotation, "annotation"},
	{classfile.AccEnum, "enum"},
}

var methodAccess = []accessName{
	{classfile.AccPublic, "public"},
	{classfile.AccPrivate, "private"},
	{classfile.AccProtected, "protected"},
	{classfile.AccStatic, "static"},
	{classfile.AccFinal, "final"},
	{classfile.AccSynchronized, "synchronized"},
	{classfile.AccBridge, "bridge"},
	{classfile.AccVarargs, "varargs"},
	{classfile.AccNative, "native"},
	{classfile.AccAbstract, "abstract"},
	{classfile.AccStrict, "strict"},
	{classfile.AccSynthetic, "synthetic"},
}

func accessString(access uint16, names []accessName) string {
	var parts []string
	for _, n := range names {
		if access&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return fmt.Sprintf("0x%04x [%s]", access, strings.Join(parts, " "))
}
