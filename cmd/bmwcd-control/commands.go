package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmwcd/connecteddrive/pkg/account"
	"github.com/bmwcd/connecteddrive/pkg/cli"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrRequiresVIN     = errors.New("command requires a VIN")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

// jsonOutput switches human-readable output to raw JSON. Set by -json.
var jsonOutput bool

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error

type Command struct {
	help            string
	requiresVehicle bool // true if the command targets one vehicle rather than the account
	args            []Argument
	optional        []Argument
	handler         Handler
}

// configureFlags narrows config to what commandName needs and verifies the
// required parameters are present.
func configureFlags(c *cli.Config, commandName string) error {
	info, ok := commands[commandName]
	if !ok {
		return ErrUnknownCommand
	}
	c.Flags = cli.FlagAccount | cli.FlagCache
	if info.requiresVehicle {
		c.Flags |= cli.FlagVIN
	}
	_, err := checkReadiness(commandName, c.VIN != "")
	return err
}

func checkReadiness(commandName string, haveVIN bool) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresVehicle && !haveVIN {
		return nil, ErrRequiresVIN
	}
	return info, nil
}

func execute(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, err := checkReadiness(args[0], car != nil)
	if err != nil {
		return err
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, acct, car, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func printJSON(v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

// alignAttributes renders the raw attribute map as sorted "key: value" lines
// with the values in one column.
func alignAttributes(attributes map[string]string) []string {
	keys := make([]string, 0, len(attributes))
	maxLength := 0
	for key := range attributes {
		keys = append(keys, key)
		if len(key) > maxLength {
			maxLength = len(key)
		}
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s:%s %s", key, strings.Repeat(" ", maxLength-len(key)), attributes[key]))
	}
	return lines
}

// resolveVehicle prefers a VIN given as a command argument over the handle
// built from -vin, so "status WBA..." works without reconfiguring flags.
func resolveVehicle(acct *account.Account, car *vehicle.Vehicle, args map[string]string) (*vehicle.Vehicle, error) {
	if vin, ok := args["VIN"]; ok && vin != "" {
		return vehicle.New(acct, vin), nil
	}
	if car == nil {
		return nil, ErrRequiresVIN
	}
	return car, nil
}

// fetchSnapshot reads the vehicle state and records it in the snapshot cache
// so it lands on disk when -snapshot-cache is set.
func fetchSnapshot(ctx context.Context, car *vehicle.Vehicle) (*vehicle.Snapshot, error) {
	snapshot, err := car.State(ctx)
	if err != nil {
		return nil, err
	}
	if snapshots, err := config.SnapshotCache(); err == nil {
		snapshots.Update(snapshot.VIN, *snapshot)
	}
	return snapshot, nil
}

func serviceNames() string {
	names := make([]string, 0, len(vehicle.Commands()))
	for _, command := range vehicle.Commands() {
		names = append(names, string(command))
	}
	return strings.Join(names, ", ")
}

var commands = map[string]*Command{
	"list": &Command{
		help: "List the vehicles registered to the account",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			cars, err := vehicle.List(ctx, acct)
			if err != nil {
				return err
			}
			if jsonOutput {
				type listing struct {
					VIN   string `json:"vin"`
					Name  string `json:"name"`
					Brand string `json:"brand,omitempty"`
					Model string `json:"model,omitempty"`
				}
				listings := make([]listing, 0, len(cars))
				for _, car := range cars {
					listings = append(listings, listing{VIN: car.VIN(), Name: car.DisplayName(), Brand: car.Brand, Model: car.ModelName})
				}
				return printJSON(listings)
			}
			for _, car := range cars {
				fmt.Printf("%s\t%s\n", car.VIN(), car.DisplayName())
			}
			return nil
		},
	},
	"status": &Command{
		help: "Fetch the current telemetry snapshot",
		optional: []Argument{
			Argument{name: "VIN", help: "Vehicle to query; defaults to the -vin flag or $BMWCD_VIN"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			car, err := resolveVehicle(acct, car, args)
			if err != nil {
				return err
			}
			snapshot, err := fetchSnapshot(ctx, car)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(snapshot)
			}
			fmt.Printf("VIN:        %s\n", snapshot.VIN)
			fmt.Printf("Name:       %s\n", snapshot.CarName)
			fmt.Printf("Powertrain: %s\n", snapshot.Powertrain)
			fmt.Println("Attributes:")
			for _, line := range alignAttributes(snapshot.Attributes) {
				fmt.Printf("    %s\n", line)
			}
			if len(snapshot.Messages) > 0 {
				fmt.Printf("Service messages: %d (run the messages command for details)\n", len(snapshot.Messages))
			}
			return nil
		},
	},
	"attributes": &Command{
		help:            "Print the raw attribute map",
		requiresVehicle: true,
		optional: []Argument{
			Argument{name: "KEY", help: "Print only this attribute"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			snapshot, err := fetchSnapshot(ctx, car)
			if err != nil {
				return err
			}
			if key, ok := args["KEY"]; ok {
				value, ok := snapshot.Attributes[key]
				if !ok {
					return fmt.Errorf("vehicle did not report attribute %q", key)
				}
				fmt.Println(value)
				return nil
			}
			if jsonOutput {
				return printJSON(snapshot.Attributes)
			}
			for _, line := range alignAttributes(snapshot.Attributes) {
				fmt.Println(line)
			}
			return nil
		},
	},
	"messages": &Command{
		help:            "Print condition-based service messages",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			snapshot, err := fetchSnapshot(ctx, car)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(snapshot.Messages)
			}
			if len(snapshot.Messages) == 0 {
				fmt.Println("No service messages.")
				return nil
			}
			for _, message := range snapshot.Messages {
				line := message.Text
				if message.Date != "" {
					line = fmt.Sprintf("%s (%s)", line, message.Date)
				}
				if message.Status != "" {
					line = fmt.Sprintf("%s [%s]", line, message.Status)
				}
				fmt.Println(line)
			}
			return nil
		},
	},
	"navigation": &Command{
		help:            "Fetch navigation data (position, range)",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			document, err := car.Navigation(ctx)
			if err != nil {
				return err
			}
			return printJSON(document)
		},
	},
	"efficiency": &Command{
		help:            "Fetch efficiency statistics (consumption, drive modes)",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			document, err := car.Efficiency(ctx)
			if err != nil {
				return err
			}
			return printJSON(document)
		},
	},
	"dealer": &Command{
		help:            "Print the assigned service partner",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			dealer, err := car.Dealer(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(dealer)
			}
			fmt.Println(dealer.Name)
			fmt.Println(dealer.Street)
			fmt.Printf("%s %s\n", dealer.PostalCode, dealer.City)
			fmt.Println(dealer.Country)
			if dealer.Phone != "" {
				fmt.Printf("Tel: %s\n", dealer.Phone)
			}
			if dealer.Mail != "" {
				fmt.Printf("Mail: %s\n", dealer.Mail)
			}
			return nil
		},
	},
	"climate": &Command{
		help:            "Start climate control",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return car.ClimateNow(ctx)
		},
	},
	"lock": &Command{
		help:            "Lock doors",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return car.Lock(ctx)
		},
	},
	"unlock": &Command{
		help:            "Unlock doors",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return car.Unlock(ctx)
		},
	},
	"flash-lights": &Command{
		help:            "Flash the headlights",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return car.FlashLights(ctx)
		},
	},
	"honk": &Command{
		help:            "Honk the horn",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return car.HonkHorn(ctx)
		},
	},
	"send": &Command{
		help:            "Execute a remote service by name",
		requiresVehicle: true,
		args: []Argument{
			Argument{name: "SERVICE", help: "One of: " + serviceNames()},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			command, err := vehicle.ParseCommand(args["SERVICE"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			return car.ExecuteService(ctx, command)
		},
	},
	"get": &Command{
		help: "GET a portal API ENDPOINT and print the raw response",
		args: []Argument{
			Argument{name: "ENDPOINT", help: "Path below the portal host, e.g. api/me/vehicles/v2"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			reply, err := acct.Get(ctx, args["ENDPOINT"])
			if err != nil {
				return err
			}
			fmt.Println(string(reply))
			return nil
		},
	},
	"session-info": &Command{
		help: "Print the portal session state",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			fmt.Printf("Host:          %s\n", acct.Host)
			fmt.Printf("Session valid: %t\n", acct.SessionValid())
			if expiry := acct.TokenExpiresAt(); !expiry.IsZero() {
				fmt.Printf("Token type:    %s\n", acct.TokenType())
				fmt.Printf("Token expires: %s\n", expiry.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	},
}
