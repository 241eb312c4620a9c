// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// Registered so that the written profile shows their defaults.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigstencil/stencilconfig"
)

// bigmachinePort carries all bigstencil traffic: driver calls into
// the Rank service, and halo and collective messages that ranks
// deliver to each other.
const bigmachinePort = 443

func setupEc2Cmd(args []string) {
	var (
		flags      = flag.NewFlagSet("bigstencil setup-ec2", flag.ExitOnError)
		groupName  = flags.String("securitygroup", "bigstencil", "name of the security group to set up")
		ranks      = flags.Int("ranks", 0, "number of ranks (one instance each) to configure; 0 keeps the configured value")
		instance   = flags.String("instance", "c5.large", "EC2 instance type of each rank")
		driverCIDR = flags.String("driver-cidr", "0.0.0.0/0", "address range from which the driver reaches the ranks")
		sshCIDR    = flags.String("ssh-cidr", "", "if set, address range allowed to ssh into rank instances")
	)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `usage: bigstencil setup-ec2 [flags]

Command setup-ec2 prepares an AWS account to run bigstencil ranks on
EC2, one instance per rank, and writes the resulting configuration to
`, stencilconfig.Path, `.

Ranks of a job talk to each other and to the driver only over the
bigmachine port (HTTPS, 443): the driver calls each rank, and each rank
delivers halo rows to its two neighbours. Setup-ec2 therefore finds or
creates a security group in the default VPC that admits port 443 from
within the VPC and from -driver-cidr, and, if -ssh-cidr is set, SSH
from that range. Missing rules are added to an existing group; other
rules are left alone.

The flags are:
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 0 || *ranks < 0 {
		flags.Usage()
	}

	profile := config.New()
	if f, err := os.Open(stencilconfig.Path); err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}

	sess, err := session.NewSession()
	must.Nil(err, "setting up AWS session")
	id, err := ensureGroup(ec2.New(sess), *groupName, *driverCIDR, *sshCIDR)
	must.Nil(err, "setting up security group")

	for _, kv := range profileSettings(id, *instance, *ranks) {
		must.Nil(profile.Set(kv[0], kv[1]), kv[0])
	}
	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(stencilconfig.Path), 0777))
	tmp := stencilconfig.Path + ".setup-ec2"
	must.Nil(ioutil.WriteFile(tmp, buf.Bytes(), 0666))
	must.Nil(os.Rename(tmp, stencilconfig.Path))
	log.Printf("wrote configuration to %s", stencilconfig.Path)
}

// profileSettings returns the profile keys set by setup-ec2, in
// order.
func profileSettings(group, instance string, ranks int) [][2]string {
	settings := [][2]string{
		{"bigstencil.system", "bigmachine/ec2system"},
		{"bigmachine/ec2system.security-group", group},
		{"bigmachine/ec2system.instance", instance},
	}
	if ranks > 0 {
		settings = append(settings, [2]string{"bigstencil.ranks", fmt.Sprint(ranks)})
	}
	return settings
}

// ingressRules returns the rules a group needs so that ranks in vpcCIDR
// can exchange messages and be driven from driverCIDR.
func ingressRules(vpcCIDR, driverCIDR, sshCIDR string) []*ec2.IpPermission {
	tcp := func(port int64, cidrs ...string) *ec2.IpPermission {
		p := &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		}
		for _, cidr := range cidrs {
			p.IpRanges = append(p.IpRanges, &ec2.IpRange{CidrIp: aws.String(cidr)})
		}
		return p
	}
	cidrs := []string{vpcCIDR}
	if driverCIDR != "" && driverCIDR != vpcCIDR {
		cidrs = append(cidrs, driverCIDR)
	}
	rules := []*ec2.IpPermission{tcp(bigmachinePort, cidrs...)}
	if sshCIDR != "" {
		rules = append(rules, tcp(22, sshCIDR))
	}
	return rules
}

// missingRules returns the parts of want not already granted by have.
// Rules are compared by protocol, port range and address range.
func missingRules(have, want []*ec2.IpPermission) []*ec2.IpPermission {
	type key struct {
		proto    string
		from, to int64
		cidr     string
	}
	granted := make(map[key]bool)
	for _, p := range have {
		for _, r := range p.IpRanges {
			granted[key{aws.StringValue(p.IpProtocol), aws.Int64Value(p.FromPort), aws.Int64Value(p.ToPort), aws.StringValue(r.CidrIp)}] = true
		}
	}
	var missing []*ec2.IpPermission
	for _, p := range want {
		var ranges []*ec2.IpRange
		for _, r := range p.IpRanges {
			if !granted[key{aws.StringValue(p.IpProtocol), aws.Int64Value(p.FromPort), aws.Int64Value(p.ToPort), aws.StringValue(r.CidrIp)}] {
				ranges = append(ranges, r)
			}
		}
		if len(ranges) > 0 {
			missing = append(missing, &ec2.IpPermission{
				IpProtocol: p.IpProtocol,
				FromPort:   p.FromPort,
				ToPort:     p.ToPort,
				IpRanges:   ranges,
			})
		}
	}
	return missing
}

// defaultVPC returns the account's default VPC.
func defaultVPC(svc ec2iface.EC2API) (*ec2.Vpc, error) {
	resp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{Name: aws.String("isDefault"), Values: aws.StringSlice([]string{"true"})}},
	})
	if err != nil {
		return nil, errors.E("describe default VPC", err)
	}
	switch len(resp.Vpcs) {
	case 0:
		return nil, errors.E(errors.NotExist, "AWS account has no default VPC; see "+
			"https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
		return resp.Vpcs[0], nil
	default:
		return nil, errors.E(errors.Invalid, "AWS account has multiple default VPCs")
	}
}

// ensureGroup finds or creates the named security group in the
// default VPC, grants it any missing ingress rules, and returns its
// ID.
func ensureGroup(svc ec2iface.EC2API, name, driverCIDR, sshCIDR string) (string, error) {
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	resp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("group-name"), Values: aws.StringSlice([]string{name})},
			{Name: aws.String("vpc-id"), Values: []*string{vpc.VpcId}},
		},
	})
	if err != nil {
		return "", errors.E("describe security group "+name, err)
	}
	var (
		id   string
		have []*ec2.IpPermission
	)
	if len(resp.SecurityGroups) > 0 {
		id = aws.StringValue(resp.SecurityGroups[0].GroupId)
		have = resp.SecurityGroups[0].IpPermissions
		log.Printf("using security group %s (%s) in %s", name, id, aws.StringValue(vpc.VpcId))
	} else {
		created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(name),
			Description: aws.String("bigstencil ranks and driver"),
			VpcId:       vpc.VpcId,
		})
		if err != nil {
			return "", errors.E("create security group "+name, err)
		}
		id = aws.StringValue(created.GroupId)
		log.Printf("created security group %s (%s) in %s", name, id, aws.StringValue(vpc.VpcId))
		if _, err := svc.CreateTags(&ec2.CreateTagsInput{
			Resources: []*string{aws.String(id)},
			Tags:      []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
		}); err != nil {
			log.Error.Printf("tag security group %s: %v", id, err)
		}
	}
	missing := missingRules(have, ingressRules(aws.StringValue(vpc.CidrBlock), driverCIDR, sshCIDR))
	if len(missing) == 0 {
		return id, nil
	}
	if _, err := svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(id),
		IpPermissions: missing,
	}); err != nil {
		return "", errors.E("authorize ingress for security group "+id, err)
	}
	log.Printf("security group %s: added %d ingress rules", id, len(missing))
	return id, nil
}
